package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/config"
	"github.com/user/agentlink/internal/gateway"
	"github.com/user/agentlink/internal/transcript"
	"github.com/user/agentlink/internal/types"
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("session", "", "session id (defaults to the last selected session)")
	sendCmd.Flags().Bool("new", false, "start a new session")
	sendCmd.Flags().String("title", "", "title for a new session")
	sendCmd.Flags().String("export", "", "write the confirmed transcript as JSON to this file")
	sendCmd.Flags().Duration("timeout", 10*time.Minute, "maximum time to wait for the reply")
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a prompt and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	sessionFlag, _ := cmd.Flags().GetString("session")
	newSession, _ := cmd.Flags().GetBool("new")
	title, _ := cmd.Flags().GetString("title")
	exportPath, _ := cmd.Flags().GetString("export")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	text := strings.Join(args, " ")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, err := connectGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer g.Stop()

	if err := selectForSend(ctx, g, cfg, types.SessionID(sessionFlag), newSession, title); err != nil {
		return err
	}

	r := newRenderer()
	follower := r.Follow()
	follower.Update(g.Engine.Snapshot())

	var mu sync.Mutex
	done := false
	unsub := g.Engine.Subscribe(func(snap transcript.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		fmt.Fprint(os.Stdout, follower.Update(snap))
	})

	turnCtx, turnCancel := context.WithTimeout(ctx, timeout)
	defer turnCancel()

	turn, err := g.Engine.Submit(turnCtx, text, cfg.SelectedModel())
	if err != nil {
		unsub()
		return err
	}
	final, waitErr := g.AwaitTurn(turnCtx, turn.ID)
	unsub()

	mu.Lock()
	done = true
	fmt.Fprint(os.Stdout, follower.Update(g.Engine.Snapshot()))
	fmt.Fprint(os.Stdout, follower.Finish())
	mu.Unlock()

	if waitErr != nil {
		if ctx.Err() != nil {
			// Interrupted: ask the backend to stop generating.
			abortCtx, abortCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer abortCancel()
			if err := g.Engine.Abort(abortCtx); err != nil {
				fmt.Fprintf(os.Stderr, "abort failed: %v\n", err)
			}
		}
		return fmt.Errorf("wait for reply: %w", waitErr)
	}
	if final.Status == transcript.TurnFailed {
		return fmt.Errorf("turn failed: %s", final.Error)
	}

	if exportPath != "" {
		if err := writeExport(g.Engine, exportPath); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Transcript exported to %s\n", exportPath)
	}
	return nil
}

// selectForSend picks the session to send to: an explicit id, a new session,
// or the last selected one when it still exists.
func selectForSend(ctx context.Context, g *gateway.Gateway, cfg *config.Config, id types.SessionID, create bool, title string) error {
	sessions, err := g.Engine.RefreshSessions(ctx)
	if err != nil {
		return err
	}

	if id == "" && !create {
		last := types.SessionID(cfg.Session.LastID)
		for _, s := range sessions {
			if s.ID == last {
				id = last
				break
			}
		}
	}
	if id == "" {
		s, err := g.Engine.CreateSession(ctx, title)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Created session %s\n", s.ID)
		return nil
	}
	if err := g.Engine.SelectSession(ctx, id); err != nil {
		return err
	}
	return nil
}

func writeExport(e *transcript.Engine, path string) error {
	x, err := e.Export()
	if err != nil {
		return fmt.Errorf("export transcript: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := x.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
