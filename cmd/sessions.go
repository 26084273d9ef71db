package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openrobobrain/orb/internal/config"
	"github.com/openrobobrain/orb/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage session transcripts",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsHistoryCmd())
	cmd.AddCommand(sessionsResetCmd())
	cmd.AddCommand(sessionsSweepCmd())
	return cmd
}

// openSessionStore loads the config and opens the same transcript store
// the daemon uses. Logging goes to stderr at Warn so tables stay clean.
func openSessionStore() (*sessions.Store, *config.Config, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := sessions.NewStore(cfg.SessionsDir(), sessions.ResetPolicy{
		Policy:      cfg.Sessions.Reset.Policy,
		AtHour:      cfg.Sessions.Reset.AtHour,
		IdleMinutes: cfg.Sessions.Reset.IdleMinutes,
		Triggers:    cfg.Sessions.Reset.Triggers,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}
	return store, cfg, nil
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live sessions, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openSessionStore()
			if err != nil {
				return err
			}
			live := store.List()
			if len(live) == 0 {
				fmt.Println("No live sessions.")
				return nil
			}
			fmt.Printf("%-32s %-10s %5s %8s  %-19s %s\n",
				"KEY", "STATE", "MSGS", "TOKENS", "LAST ACTIVITY", "ID")
			for _, s := range live {
				fmt.Printf("%-32s %-10s %5d %8d  %-19s %s\n",
					s.Key, s.State, s.MessageCount, s.InputTokens+s.OutputTokens,
					s.LastActivity.Local().Format("2006-01-02 15:04:05"), s.ID)
			}
			return nil
		},
	}
}

func sessionsHistoryCmd() *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "history [id-or-key]",
		Short: "Print a session transcript (default: the main session)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openSessionStore()
			if err != nil {
				return err
			}
			ref := sessions.BuildMainKey(cfg.Agent.ID)
			if len(args) == 1 {
				ref = args[0]
			}
			sess, err := store.FindSessionByKey(ref)
			if err != nil {
				if sess, err = store.GetSession(ref); err != nil {
					return fmt.Errorf("no session with key or id %q", ref)
				}
			}
			msgs, err := store.GetMessages(sess.ID)
			if err != nil {
				return err
			}
			if last > 0 && len(msgs) > last {
				msgs = msgs[len(msgs)-last:]
			}
			fmt.Printf("%s (%s, %d messages)\n", sess.Key, sess.ID, sess.MessageCount)
			for _, m := range msgs {
				who := string(m.Role)
				if m.Role == sessions.RoleTool && m.ToolName != "" {
					who = "tool:" + m.ToolName
				}
				fmt.Printf("[%s] %-14s %s\n",
					m.Timestamp.Local().Format("15:04:05"), who, strings.TrimSpace(m.Content))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&last, "last", "n", 0, "only print the last N messages")
	return cmd
}

func sessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [key]",
		Short: "Archive a session so the next utterance starts fresh (default: the main session)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openSessionStore()
			if err != nil {
				return err
			}
			key := sessions.BuildMainKey(cfg.Agent.ID)
			if len(args) == 1 {
				key = args[0]
			}
			sess, err := store.FindSessionByKey(key)
			if err != nil {
				return fmt.Errorf("no live session for key %q", key)
			}
			if err := store.ArchiveSession(sess.ID); err != nil {
				return err
			}
			fmt.Printf("Archived %s (%s); the next utterance starts a fresh session.\n", key, sess.ID)
			return nil
		},
	}
}

func sessionsSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Archive expired sessions and prune old ones now",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openSessionStore()
			if err != nil {
				return err
			}
			swept := store.SweepExpired()
			pruned := store.PruneOldSessions(cfg.Sessions.PruneMaxAgeDays, cfg.Sessions.PruneMaxCount)
			fmt.Printf("Swept %d expired, pruned %d old sessions.\n", swept, pruned)
			return nil
		},
	}
}
