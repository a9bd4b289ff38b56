package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/in-the-loop-labs/reviewagent/internal/config"
	"github.com/in-the-loop-labs/reviewagent/internal/store"
)

// NewSessionsCommand returns the sessions subcommand.
func NewSessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "Inspect agent sessions",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all sessions",
				Action: runSessionsList,
			},
			{
				Name:      "show",
				Usage:     "Show messages in a session",
				ArgsUsage: "<session_id>",
				Action:    runSessionsShow,
			},
		},
		DefaultCommand: "list",
	}
}

func openSessionsStore(ctx context.Context, cmd *cli.Command) (*store.Store, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		cfg = &config.Config{}
		cfg.Database.Path = filepath.Join(config.ReviewAgentPath(), "reviewagent.db")
	}
	return store.Open(ctx, cfg.Database.Path)
}

func runSessionsList(ctx context.Context, cmd *cli.Command) error {
	st, err := openSessionsStore(ctx, cmd)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	list, err := st.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREVIEW\tPROVIDER\tSTATUS\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
			s.ID,
			s.ReviewID,
			s.ProviderID,
			s.Status,
			s.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func runSessionsShow(ctx context.Context, cmd *cli.Command) error {
	arg := cmd.Args().First()
	if arg == "" {
		return fmt.Errorf("usage: reviewagent sessions show <session_id>")
	}
	sessionID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid session id %q", arg)
	}

	st, err := openSessionsStore(ctx, cmd)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	msgs, err := st.LoadMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	if len(msgs) == 0 {
		fmt.Println("No messages in this session.")
		return nil
	}

	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.Role, m.Content)
	}
	return nil
}
