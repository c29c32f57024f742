package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/gangwaybot/gangway/internal/realtime"
	"github.com/gangwaybot/gangway/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Show the session table",
	Long: `Shows the session table from a running bridge, or from the persisted
table on disk when no bridge is listening.`,
	RunE: runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

// Table styling.
var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("76"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))
)

type sessionRow struct {
	ID           string
	Project      string
	Status       string
	Active       bool
	LastActivity time.Time
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rows, live, err := fetchLive(cfg.Realtime.Listen)
	if err != nil {
		rows, err = readPersisted(cfg.Manager.DataDir)
		if err != nil {
			return err
		}
	}

	if len(rows) == 0 {
		fmt.Println(mutedStyle.Render("no sessions"))
		return nil
	}

	printTable(rows)
	if !live {
		fmt.Println(mutedStyle.Render("(from persisted table; bridge not running)"))
	}
	return nil
}

// fetchLive queries a running bridge's observation server.
func fetchLive(listen string) ([]sessionRow, bool, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, false, err
	}
	if host == "" {
		host = "localhost"
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/sessions", net.JoinHostPort(host, port)))
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("observation server returned %s", resp.Status)
	}

	var payloads []realtime.SessionUpdatePayload
	if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
		return nil, false, err
	}

	rows := make([]sessionRow, 0, len(payloads))
	for _, p := range payloads {
		last, _ := time.Parse(time.RFC3339Nano, p.LastActivity)
		rows = append(rows, sessionRow{
			ID:           p.SessionID,
			Project:      p.ProjectName,
			Status:       p.Status,
			Active:       p.Active,
			LastActivity: last,
		})
	}
	return rows, true, nil
}

func readPersisted(dataDir string) ([]sessionRow, error) {
	_, sums, err := session.ReadTable(dataDir)
	if err != nil {
		return nil, err
	}
	rows := make([]sessionRow, 0, len(sums))
	for _, s := range sums {
		rows = append(rows, sessionRow{
			ID:           s.ID,
			Project:      s.ProjectName,
			Status:       string(s.Status),
			Active:       s.Active,
			LastActivity: s.LastActivity,
		})
	}
	return rows, nil
}

func printTable(rows []sessionRow) {
	fmt.Printf("  %s  %s  %s  %s\n",
		headerStyle.Render(pad("SESSION", 38)),
		headerStyle.Render(pad("PROJECT", 20)),
		headerStyle.Render(pad("STATUS", 10)),
		headerStyle.Render("LAST ACTIVITY"),
	)

	for _, r := range rows {
		status := pad(r.Status, 10)
		switch r.Status {
		case "active":
			status = activeStyle.Render(status)
		case "error":
			status = errorStyle.Render(status)
		default:
			status = mutedStyle.Render(status)
		}

		marker := " "
		if r.Active {
			marker = activeStyle.Render("*")
		}
		fmt.Printf("%s %s  %s  %s  %s\n",
			marker, pad(r.ID, 38), pad(r.Project, 20), status, ago(r.LastActivity))
	}
}

func pad(s string, n int) string {
	if len(s) > n {
		return s[:n-1] + "…"
	}
	return s + strings.Repeat(" ", n-len(s))
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
