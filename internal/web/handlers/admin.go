package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jusunglee/pumpbot/internal/audit"
	"github.com/jusunglee/pumpbot/internal/security"
	"github.com/samber/lo"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// Blocker is the slice of the security monitor the admin API mutates.
type Blocker interface {
	Block(userID int64, duration time.Duration) (security.BlockEntry, error)
	Unblock(userID int64) bool
}

// Reporter is the read side of the security monitor.
type Reporter interface {
	Snapshot() security.Report
	BlockList() []security.BlockEntry
}

type AdminHandler struct {
	blocker  Blocker
	reporter Reporter
	store    audit.Store
	log      *slog.Logger
}

// NewAdminHandler builds the admin endpoints. store may be nil when no audit
// database is configured.
func NewAdminHandler(blocker Blocker, reporter Reporter, store audit.Store, log *slog.Logger) *AdminHandler {
	return &AdminHandler{blocker: blocker, reporter: reporter, store: store, log: log}
}

type blockResponse struct {
	UserID    int64   `json:"user_id"`
	Reason    string  `json:"reason"`
	Threat    string  `json:"threat,omitempty"`
	BlockedAt string  `json:"blocked_at"`
	ExpiresAt *string `json:"expires_at"`
}

type auditEventResponse struct {
	ID        int64   `json:"id"`
	Kind      string  `json:"kind"`
	UserID    int64   `json:"user_id"`
	Reason    string  `json:"reason,omitempty"`
	Threat    string  `json:"threat,omitempty"`
	At        string  `json:"at"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reporter.Snapshot())
}

func (h *AdminHandler) Blocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, lo.Map(h.reporter.BlockList(), func(b security.BlockEntry, _ int) blockResponse {
		return toBlockResponse(b)
	}))
}

// Block places a manual block. The optional duration query parameter is a Go
// duration; without it the block is permanent.
func (h *AdminHandler) Block(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	var duration time.Duration
	if raw := r.URL.Query().Get("duration"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid duration")
			return
		}
		duration = d
	}

	entry, err := h.blocker.Block(userID, duration)
	if err != nil {
		h.log.ErrorContext(r.Context(), "blocking user", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.log.InfoContext(r.Context(), "admin block", "user_id", userID, "duration", duration)
	writeJSON(w, http.StatusCreated, toBlockResponse(entry))
}

func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}
	if !h.blocker.Unblock(userID) {
		writeError(w, http.StatusNotFound, "user is not blocked")
		return
	}
	h.log.InfoContext(r.Context(), "admin unblock", "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "unblocked": true})
}

// Audit lists recorded security events, newest first, optionally for one
// user.
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}

	q := r.URL.Query()
	limit := defaultAuditLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	var (
		events []audit.Event
		err    error
	)
	if raw := q.Get("user_id"); raw != "" {
		userID, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || userID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		events, err = h.store.ListByUser(r.Context(), userID, limit)
	} else {
		events, err = h.store.Recent(r.Context(), limit)
	}
	if err != nil {
		h.log.ErrorContext(r.Context(), "listing audit events", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(events, func(ev audit.Event, _ int) auditEventResponse {
		return auditEventResponse{
			ID:        ev.ID,
			Kind:      string(ev.Kind),
			UserID:    ev.UserID,
			Reason:    ev.Reason,
			Threat:    ev.Threat,
			At:        ev.At.UTC().Format(time.RFC3339),
			ExpiresAt: formatOptional(ev.ExpiresAt),
		}
	}))
}

func toBlockResponse(b security.BlockEntry) blockResponse {
	return blockResponse{
		UserID:    b.UserID,
		Reason:    string(b.Reason),
		Threat:    string(b.Threat),
		BlockedAt: b.BlockedAt.UTC().Format(time.RFC3339),
		ExpiresAt: formatOptional(b.ExpiresAt),
	}
}

func formatOptional(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	return lo.ToPtr(t.UTC().Format(time.RFC3339))
}

func parseUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
