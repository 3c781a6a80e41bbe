package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/agentapi"
	"github.com/user/agentlink/internal/journal"
	"github.com/user/agentlink/internal/transcript"
	"github.com/user/agentlink/internal/types"
)

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().String("export", "", "write the rebuilt transcript as JSON to this file")
	replayCmd.Flags().Bool("list", false, "list journaled sessions instead of replaying")
}

var replayCmd = &cobra.Command{
	Use:   "replay [session-id]",
	Short: "Rebuild a session transcript from its local event journal",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		list, _ := cmd.Flags().GetBool("list")
		exportPath, _ := cmd.Flags().GetString("export")
		j := journal.New(cfg.JournalDir())
		ctx := context.Background()

		if list || len(args) == 0 {
			ids, err := j.Sessions()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No journaled sessions.")
				return nil
			}
			for _, id := range ids {
				n, err := j.Count(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "%s\t%d events\n", id, n)
			}
			return nil
		}

		id := types.SessionID(args[0])
		e, n, err := replaySession(ctx, j, id)
		if err != nil {
			return err
		}
		defer e.Close()

		fmt.Fprintln(os.Stdout, newRenderer().Transcript(e.Snapshot()))
		fmt.Fprintf(os.Stderr, "Replayed %d events for %s\n", n, id)

		if exportPath != "" {
			if err := writeExport(e, exportPath); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Transcript exported to %s\n", exportPath)
		}
		return nil
	},
}

// replaySession feeds a session's journal through a fresh engine that has no
// backend behind it.
func replaySession(ctx context.Context, j *journal.Journal, id types.SessionID) (*transcript.Engine, int, error) {
	count, err := j.Count(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if count == 0 {
		return nil, 0, fmt.Errorf("no journal for session %s", id)
	}

	e := transcript.New(offlineBackend{}, transcript.Options{Logger: slog.Default()})
	if err := e.SelectSession(ctx, id); err != nil {
		e.Close()
		return nil, 0, err
	}
	n, err := j.Replay(ctx, id, e.Handle)
	if err != nil {
		e.Close()
		return nil, n, fmt.Errorf("replay %s: %w", id, err)
	}
	e.Flush()
	return e, n, nil
}

var errOffline = errors.New("replay has no backend")

// offlineBackend serves an empty history so replayed events build the
// transcript from scratch.
type offlineBackend struct{}

func (offlineBackend) ListSessions(context.Context) ([]types.Session, error) { return nil, nil }

func (offlineBackend) ListMessages(context.Context, types.SessionID) ([]types.Message, error) {
	return nil, nil
}

func (offlineBackend) CreateSession(context.Context, agentapi.CreateSessionRequest) (*types.Session, error) {
	return nil, errOffline
}

func (offlineBackend) UpdateSession(context.Context, types.SessionID, string) (*types.Session, error) {
	return nil, errOffline
}

func (offlineBackend) DeleteSession(context.Context, types.SessionID) error { return errOffline }

func (offlineBackend) SendMessage(context.Context, types.SessionID, agentapi.PromptRequest) error {
	return errOffline
}

func (offlineBackend) Abort(context.Context, types.SessionID) error { return errOffline }
