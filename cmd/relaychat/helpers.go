package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	relaychat "github.com/relaychat/relaychat-go"
)

// getClient creates an authenticated client from the stored configuration.
func getClient() (*relaychat.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'relaychat init <token> <user-id>' first.")
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'relaychat init <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []relaychat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, relaychat.WithBaseURL(cfg.Default.BaseURL))
	}
	return relaychat.NewClient(cfg.Auth.Token, opts...), cfg
}

// newSession creates a session for the configured user.
func newSession(client *relaychat.Client, cfg *Config) *relaychat.Session {
	name := cfg.Auth.DisplayName
	if name == "" {
		name = cfg.Auth.UserID
	}
	return relaychat.NewSession(client, cfg.Auth.UserID, name)
}

// resolveTarget turns a "group:<id>" or contact id/email argument into a
// selection, consulting the contact directory for the latter.
func resolveTarget(ctx context.Context, client *relaychat.Client, target string) (relaychat.Selection, error) {
	if id, ok := strings.CutPrefix(target, "group:"); ok {
		return relaychat.Selection{Group: &relaychat.Group{ID: id}}, nil
	}

	contacts, err := client.AllContacts(ctx)
	if err != nil {
		return relaychat.Selection{}, fmt.Errorf("failed to list contacts: %w", err)
	}
	for i, c := range contacts {
		if c.ID == target || c.Email == target || c.LinkedUserID == target {
			return relaychat.Selection{Contact: &contacts[i]}, nil
		}
	}
	return relaychat.Selection{}, fmt.Errorf("no contact matches %q", target)
}

// pollInterval parses the configured poll interval, falling back to the
// default on absence or bad input.
func pollInterval(cfg *Config) time.Duration {
	if cfg.Default.PollInterval == "" {
		return relaychat.DefaultPollInterval
	}
	d, err := time.ParseDuration(cfg.Default.PollInterval)
	if err != nil || d <= 0 {
		return relaychat.DefaultPollInterval
	}
	return d
}

// printMessage renders one message line.
func printMessage(m relaychat.Message) {
	ts := m.SentAt.Local().Format("15:04")
	marker := ""
	if m.Pending() {
		marker = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", ts, m.SenderName, m.Body, marker)
	for _, a := range m.Attachments {
		fmt.Printf("        file: %s (%s)\n", a.Filename, a.URL)
	}
}
