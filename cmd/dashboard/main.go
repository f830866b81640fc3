// dashboard is a terminal view of a running pumpbot's security monitor. It
// polls the ops server's admin API and can lift blocks.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/jusunglee/pumpbot/internal/security"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/samber/lo"
)

type admin interface {
	Stats(ctx context.Context) (security.Report, error)
	Blocks(ctx context.Context) ([]blockRow, error)
	Unblock(ctx context.Context, userID int64) error
}

type statsMsg struct {
	report security.Report
	blocks []blockRow
	err    error
	// polled responses schedule the next poll; manual refreshes do not.
	polled bool
}

type pollMsg struct{}

type unblockedMsg struct {
	userID int64
	err    error
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")).
			Bold(true)

	alertStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	subtleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 2)
)

type model struct {
	client   admin
	interval time.Duration
	spinner  spinner.Model
	table    table.Model
	report   *security.Report
	loading  bool
	status   string
	err      error
}

func initialModel(client admin, interval time.Duration) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "User", Width: 20},
			{Title: "Reason", Width: 14},
			{Title: "Threat", Width: 16},
			{Title: "Blocked", Width: 20},
			{Title: "Expires", Width: 20},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	return model{
		client:   client,
		interval: interval,
		spinner:  s,
		table:    t,
		loading:  true,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch(true))
}

func (m model) fetch(polled bool) tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		report, err := client.Stats(ctx)
		if err != nil {
			return statsMsg{err: err, polled: polled}
		}
		blocks, err := client.Blocks(ctx)
		return statsMsg{report: report, blocks: blocks, err: err, polled: polled}
	}
}

func (m model) poll() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return pollMsg{}
	})
}

func (m model) unblock(userID int64) tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return unblockedMsg{userID: userID, err: client.Unblock(ctx, userID)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, m.fetch(false)
		case "u":
			row := m.table.SelectedRow()
			if row == nil {
				return m, nil
			}
			userID, err := strconv.ParseInt(row[0], 10, 64)
			if err != nil {
				return m, nil
			}
			m.status = fmt.Sprintf("unblocking %d...", userID)
			return m, m.unblock(userID)
		}

	case statsMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.report = &msg.report
			m.table.SetRows(lo.Map(msg.blocks, func(b blockRow, _ int) table.Row {
				return table.Row{
					strconv.FormatInt(b.UserID, 10),
					b.Reason,
					lo.Ternary(b.Threat == "", "-", b.Threat),
					b.BlockedAt,
					lo.FromPtrOr(b.ExpiresAt, "never"),
				}
			}))
		}
		if msg.polled {
			return m, m.poll()
		}
		return m, nil

	case pollMsg:
		m.loading = true
		return m, m.fetch(true)

	case unblockedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("unblock %d failed: %v", msg.userID, msg.err)
			return m, nil
		}
		m.status = fmt.Sprintf("unblocked %d", msg.userID)
		return m, m.fetch(false)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m model) View() string {
	var b strings.Builder

	title := "pumpbot security"
	if m.loading {
		title += " " + m.spinner.View()
	}
	b.WriteString(titleStyle.Render(title) + "\n")

	if m.err != nil {
		b.WriteString(alertStyle.Render("Error: "+m.err.Error()) + "\n\n")
	}

	if m.report != nil {
		r := m.report
		lines := []string{
			stat("Uptime", r.Uptime.Round(time.Second).String()),
			stat("Events", fmt.Sprintf("%d (%d denied)", r.TotalEvents, r.DeniedEvents)),
			stat("Blocks", fmt.Sprintf("%d active, %d total", r.ActiveBlocks, r.TotalBlocked)),
			stat("Rate-limit violations", strconv.FormatInt(r.RateLimitViolations, 10)),
			stat("Suspicious", fmt.Sprintf("%d detections, %d users", r.SuspiciousDetections, r.SuspiciousUsers)),
			stat("Tracked users", strconv.Itoa(r.TrackedUsers)),
			stat("Per action", strings.Join(lo.Map(security.Actions, func(a security.Action, _ int) string {
				return fmt.Sprintf("%s %d", a, r.PerAction[a])
			}), "  ")),
		}
		b.WriteString(boxStyle.Render(strings.Join(lines, "\n")) + "\n\n")
	}

	b.WriteString(m.table.View() + "\n\n")
	if m.status != "" {
		b.WriteString(m.status + "\n")
	}
	b.WriteString(subtleStyle.Render("↑/↓ select • u unblock • r refresh • q quit"))
	return b.String()
}

func stat(label, value string) string {
	return labelStyle.Render(label+": ") + valueStyle.Render(value)
}

func main() {
	if err := mainE(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func mainE() error {
	_ = godotenv.Load()

	fs := ff.NewFlagSet("pumpbot-dashboard")
	var (
		adminURL    = fs.StringLong("admin-url", "http://localhost:9090", "Base URL of the pumpbot ops server")
		adminAPIKey = fs.StringLong("admin-api-key", "", "API key for /admin endpoints")
		interval    = fs.DurationLong("interval", 5*time.Second, "Polling interval")
	)

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVars()); err != nil {
		fmt.Printf("%s\n", ffhelp.Flags(fs))
		return fmt.Errorf("parsing flags: %w", err)
	}
	if *adminAPIKey == "" {
		return fmt.Errorf("admin-api-key is required")
	}

	p := tea.NewProgram(initialModel(newAdminClient(*adminURL, *adminAPIKey), *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running dashboard: %w", err)
	}
	return nil
}
