package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/huangzesen/claude-telegram-bridge/internal/session"
)

// Table column widths for sessions output
const (
	tableColUser     = 12
	tableColModel    = 8
	tableColMessages = 8
	tableColCost     = 10
	tableColActive   = 12
	tableColToken    = 12
)

// openStore opens the configured backend for profile.
func openStore(profile string) (*session.Store, string, error) {
	cfg, err := session.LoadUserConfig()
	if err != nil {
		return nil, "", err
	}
	dir, err := session.GetProfileDir(profile)
	if err != nil {
		return nil, "", err
	}
	backend, err := session.OpenBackend(cfg.Storage.GetBackend(), dir)
	if err != nil {
		return nil, "", err
	}
	store, err := session.NewStore(backend)
	if err != nil {
		backend.Close()
		return nil, "", err
	}
	return store, dir, nil
}

// ensureNotRunning fails while a bridge serves the profile. A running bridge
// caches sessions and would overwrite an operator change on its next save.
func ensureNotRunning(store *session.Store, dir string) error {
	if err := session.CheckRunLock(dir); err != nil {
		return err
	}
	sb, ok := store.Backend().(*session.SQLiteBackend)
	if !ok {
		return nil
	}
	n, err := sb.DB().AliveInstanceCount(primaryTimeout)
	if err != nil {
		return err
	}
	if n > 0 {
		return session.ErrBridgeRunning
	}
	return nil
}

type sessionJSON struct {
	UserID            int64     `json:"user_id"`
	ContinuationToken string    `json:"continuation_token"`
	Model             string    `json:"model"`
	MessageCount      int       `json:"message_count"`
	CumulativeCost    float64   `json:"cumulative_cost"`
	CreatedAt         time.Time `json:"created_at"`
	LastActive        time.Time `json:"last_active"`
}

func handleSessions(profile string, args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: claude-telegram-bridge [-p profile] sessions [--json]")
		fmt.Println()
		fmt.Println("List stored conversations.")
		fmt.Println()
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)
	store, _, err := openStore(profile)
	if err != nil {
		out.Error(err.Error(), ErrCodeStoreError)
		os.Exit(1)
	}
	defer store.Close()

	all := store.ListAll()
	rows := make([]sessionJSON, len(all))
	for i, s := range all {
		rows[i] = sessionJSON{
			UserID:            s.UserID,
			ContinuationToken: s.ContinuationToken,
			Model:             s.Model,
			MessageCount:      s.MessageCount,
			CumulativeCost:    s.CumulativeCost,
			CreatedAt:         s.CreatedAt,
			LastActive:        s.LastActive,
		}
	}

	if len(all) == 0 && !*jsonOutput {
		fmt.Printf("No sessions found in profile '%s'.\n", profile)
		return
	}
	out.Print(fmt.Sprintf("Profile: %s\n\n%s", profile, renderSessionsTable(all, time.Now())), rows)
}

// renderSessionsTable formats sessions as a fixed-width table with a total line.
func renderSessionsTable(sessions []*session.Session, now time.Time) string {
	var b strings.Builder
	header := fitWidth("USER ID", tableColUser) + " " +
		fitWidth("MODEL", tableColModel) + " " +
		fitWidth("MESSAGES", tableColMessages) + " " +
		fitWidth("COST", tableColCost) + " " +
		fitWidth("LAST ACTIVE", tableColActive) + " " +
		"SESSION"
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", tableColUser+tableColModel+tableColMessages+tableColCost+tableColActive+tableColToken+5))
	b.WriteString("\n")

	var total float64
	for _, s := range sessions {
		model := s.Model
		if model == "" {
			model = "-"
		}
		b.WriteString(fitWidth(strconv.FormatInt(s.UserID, 10), tableColUser) + " ")
		b.WriteString(fitWidth(model, tableColModel) + " ")
		b.WriteString(fitWidth(strconv.Itoa(s.MessageCount), tableColMessages) + " ")
		b.WriteString(fitWidth(fmt.Sprintf("$%.4f", s.CumulativeCost), tableColCost) + " ")
		b.WriteString(fitWidth(formatAge(s.LastActive, now), tableColActive) + " ")
		b.WriteString(dimStyle.Render(s.ShortToken()))
		b.WriteString("\n")
		total += s.CumulativeCost
	}
	fmt.Fprintf(&b, "\nTotal: %d sessions, $%.4f\n", len(sessions), total)
	return b.String()
}

func handleReset(profile string, args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	clearModel := fs.Bool("clear-model", false, "Also drop the user's model override")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	quiet := fs.Bool("q", false, "Quiet mode")
	fs.Usage = func() {
		fmt.Println("Usage: claude-telegram-bridge [-p profile] reset <user_id> [--clear-model]")
		fmt.Println()
		fmt.Println("Start a new conversation for a user. The bridge must be stopped.")
		fmt.Println()
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, *quiet)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	uid, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || uid <= 0 {
		out.Error(fmt.Sprintf("invalid user id %q", fs.Arg(0)), ErrCodeInvalidArgument)
		os.Exit(2)
	}

	store, dir, err := openStore(profile)
	if err != nil {
		out.Error(err.Error(), ErrCodeStoreError)
		os.Exit(1)
	}
	defer store.Close()

	if err := ensureNotRunning(store, dir); err != nil {
		out.Error(err.Error(), ErrCodeInvalidOperation)
		os.Exit(1)
	}
	if _, ok := store.Get(uid); !ok {
		out.Error(fmt.Sprintf("no session for user %d", uid), ErrCodeNotFound)
		os.Exit(1)
	}

	sess, err := store.CreateOrReset(uid, !*clearModel)
	if err != nil {
		out.Error(err.Error(), ErrCodeStoreError)
		os.Exit(1)
	}
	out.Success(fmt.Sprintf("Reset session for user %d", uid), map[string]interface{}{
		"success": true,
		"user_id": uid,
		"model":   sess.Model,
	})
}

func handleImport(profile string, args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: claude-telegram-bridge [-p profile] import <sessions.json>")
		fmt.Println()
		fmt.Println("Import sessions from a JSON file. Existing users in the file are overwritten.")
		fmt.Println()
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	path := fs.Arg(0)

	store, dir, err := openStore(profile)
	if err != nil {
		out.Error(err.Error(), ErrCodeStoreError)
		os.Exit(1)
	}
	defer store.Close()

	if err := ensureNotRunning(store, dir); err != nil {
		out.Error(err.Error(), ErrCodeInvalidOperation)
		os.Exit(1)
	}

	n, err := importFile(store, path)
	if err != nil {
		out.Error(err.Error(), ErrCodeStoreError)
		os.Exit(1)
	}
	out.Success(fmt.Sprintf("Imported %d sessions from %s", n, FormatPath(path)), map[string]interface{}{
		"success":  true,
		"imported": n,
		"path":     path,
	})
}

// importFile loads a sessions.json file into store. The SQLite backend also
// records where the data came from.
func importFile(store *session.Store, path string) (int, error) {
	if sb, ok := store.Backend().(*session.SQLiteBackend); ok {
		return sb.ImportJSON(path)
	}
	sessions, err := session.ReadJSONFile(path)
	if err != nil {
		return 0, err
	}
	return store.Import(sessions)
}
