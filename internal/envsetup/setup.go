// Package envsetup is a first-run wizard that writes pumpbot's .env file:
// Discord credentials, owner ids, the admin API key and the audit database.
package envsetup

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const defaultAuditDB = "./pumpbot-audit.db"

type step int

const (
	stepWelcome step = iota
	stepDiscord
	stepGuild
	stepOwners
	stepAdminKey
	stepAuditDB
	stepConfirm
	stepDone
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	linkStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Underline(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Values are the settings collected by the wizard.
type Values struct {
	DiscordToken string
	GuildID      string
	OwnerIDs     string
	AdminAPIKey  string
	AuditDB      string
}

type model struct {
	path   string
	step   step
	values Values
	input  textinput.Model
	err    error
}

func newModel(path string) model {
	ti := textinput.New()
	ti.CharLimit = 256
	ti.Width = 60
	ti.Focus()
	return model{path: path, step: stepWelcome, input: ti}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.handleEnter()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) handleEnter() (tea.Model, tea.Cmd) {
	m.err = nil
	value := strings.TrimSpace(m.input.Value())

	switch m.step {
	case stepWelcome:
		m.advance(stepDiscord)

	case stepDiscord:
		if value == "" {
			m.err = errors.New("Discord token is required")
			return m, nil
		}
		m.values.DiscordToken = value
		m.advance(stepGuild)

	case stepGuild:
		if value != "" && !isSnowflake(value) {
			m.err = errors.New("guild id must be numeric")
			return m, nil
		}
		m.values.GuildID = value
		m.advance(stepOwners)

	case stepOwners:
		for _, id := range strings.Split(value, ",") {
			if id = strings.TrimSpace(id); id != "" && !isSnowflake(id) {
				m.err = fmt.Errorf("%q is not a Discord user id", id)
				return m, nil
			}
		}
		m.values.OwnerIDs = value
		m.advance(stepAdminKey)

	case stepAdminKey:
		if value == "" {
			key, err := generateKey()
			if err != nil {
				m.err = err
				return m, nil
			}
			value = key
		}
		m.values.AdminAPIKey = value
		m.advance(stepAuditDB)

	case stepAuditDB:
		if value == "" {
			value = defaultAuditDB
		}
		m.values.AuditDB = value
		m.advance(stepConfirm)

	case stepConfirm:
		switch strings.ToLower(value) {
		case "", "y", "yes":
			if err := WriteEnvFile(m.path, m.values); err != nil {
				m.err = err
				return m, nil
			}
			m.step = stepDone
			return m, tea.Quit
		case "n", "no":
			m.values = Values{}
			m.advance(stepWelcome)
		}
	}

	return m, nil
}

func (m *model) advance(next step) {
	m.step = next
	m.input.SetValue("")
	m.input.EchoMode = textinput.EchoNormal
	if next == stepDiscord || next == stepAdminKey {
		m.input.EchoMode = textinput.EchoPassword
	}
}

// WriteEnvFile writes values in the variable names read by pumpbot's flags.
func WriteEnvFile(path string, v Values) error {
	var b strings.Builder
	fmt.Fprintf(&b, "DISCORD_TOKEN=%s\n", v.DiscordToken)
	if v.GuildID != "" {
		fmt.Fprintf(&b, "GUILD_ID=%s\n", v.GuildID)
	}
	if v.OwnerIDs != "" {
		fmt.Fprintf(&b, "OWNER_IDS=%s\n", v.OwnerIDs)
	}
	fmt.Fprintf(&b, "ADMIN_API_KEY=%s\n", v.AdminAPIKey)
	if v.AuditDB != "" {
		fmt.Fprintf(&b, "AUDIT_DATABASE_URL=%s\n", v.AuditDB)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (m model) View() string {
	var s strings.Builder

	switch m.step {
	case stepWelcome:
		s.WriteString(titleStyle.Render("pumpbot - Env Setup"))
		s.WriteString("\n\n")
		s.WriteString("This wizard writes a .env file for the bot.\n")
		s.WriteString("You'll need a Discord bot token; everything else is optional.\n\n")
		s.WriteString(dimStyle.Render("Press Enter to continue, Ctrl+C to exit"))

	case stepDiscord:
		s.WriteString(titleStyle.Render("Step 1: Discord Bot Token"))
		s.WriteString("\n\n")
		s.WriteString("  1. Go to " + linkStyle.Render("https://discord.com/developers/applications") + "\n")
		s.WriteString("  2. Create a new application (or select existing)\n")
		s.WriteString("  3. In the Bot section click 'Reset Token'\n")
		s.WriteString("  4. Enable 'Message Content Intent' under Privileged Gateway Intents\n\n")
		s.WriteString(labelStyle.Render("Paste your Discord token here:"))

	case stepGuild:
		s.WriteString(titleStyle.Render("Step 2: Guild ID (optional)"))
		s.WriteString("\n\n")
		s.WriteString("Commands registered to one guild appear instantly.\n")
		s.WriteString("Leave empty to register globally.\n\n")
		s.WriteString(labelStyle.Render("Guild ID:"))

	case stepOwners:
		s.WriteString(titleStyle.Render("Step 3: Bot Owners (optional)"))
		s.WriteString("\n\n")
		s.WriteString("Owners can use /stats. Separate several ids with commas.\n\n")
		s.WriteString(labelStyle.Render("Owner user ids:"))

	case stepAdminKey:
		s.WriteString(titleStyle.Render("Step 4: Admin API Key"))
		s.WriteString("\n\n")
		s.WriteString("Protects the /admin endpoints and the dashboard.\n")
		s.WriteString("Leave empty to generate one.\n\n")
		s.WriteString(labelStyle.Render("Admin API key:"))

	case stepAuditDB:
		s.WriteString(titleStyle.Render("Step 5: Audit Log"))
		s.WriteString("\n\n")
		s.WriteString("A SQLite path or postgres:// URL for the security audit log.\n")
		s.WriteString(dimStyle.Render("Default: "+defaultAuditDB) + "\n\n")
		s.WriteString(labelStyle.Render("Audit database:"))

	case stepConfirm:
		s.WriteString(titleStyle.Render("Configuration Complete"))
		s.WriteString("\n\n")
		s.WriteString("  Discord:   " + successStyle.Render(maskToken(m.values.DiscordToken)) + "\n")
		s.WriteString("  Guild:     " + successStyle.Render(orNone(m.values.GuildID)) + "\n")
		s.WriteString("  Owners:    " + successStyle.Render(orNone(m.values.OwnerIDs)) + "\n")
		s.WriteString("  Admin key: " + successStyle.Render(maskToken(m.values.AdminAPIKey)) + "\n")
		s.WriteString("  Audit log: " + successStyle.Render(m.values.AuditDB) + "\n\n")
		s.WriteString(labelStyle.Render("Save to " + m.path + "? [Y/n]:"))

	case stepDone:
		s.WriteString(successStyle.Render("Saved " + m.path))
		s.WriteString("\n")
		return s.String()
	}

	if m.step != stepWelcome {
		s.WriteString("\n" + m.input.View())
	}
	if m.err != nil {
		s.WriteString("\n" + errorStyle.Render(m.err.Error()))
	}
	s.WriteString("\n")
	return s.String()
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func isSnowflake(s string) bool {
	n, err := strconv.ParseUint(s, 10, 64)
	return err == nil && n > 0
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating admin API key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Run starts the wizard and reports whether the file was written.
func Run(path string) (bool, error) {
	finalModel, err := tea.NewProgram(newModel(path)).Run()
	if err != nil {
		return false, err
	}
	m := finalModel.(model)
	return m.step == stepDone, nil
}

// NeedsSetup reports whether path does not exist yet.
func NeedsSetup(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, os.ErrNotExist)
}
