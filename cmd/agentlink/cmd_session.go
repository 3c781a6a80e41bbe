package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/agentlink/internal/gateway"
	"github.com/user/agentlink/internal/transcript"
	"github.com/user/agentlink/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionCreateCmd, sessionDeleteCmd, sessionRenameCmd)

	sessionListCmd.Flags().Bool("counts", true, "fetch message counts")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage backend sessions",
}

// withGateway runs fn against a connected one-shot gateway.
func withGateway(fn func(ctx context.Context, g *gateway.Gateway) error) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx := context.Background()
	g, err := connectGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer g.Stop()
	return fn(ctx, g)
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withCounts, _ := cmd.Flags().GetBool("counts")
		return withGateway(func(ctx context.Context, g *gateway.Gateway) error {
			list, err := g.Engine.RefreshSessions(ctx)
			if err != nil {
				return err
			}

			var counts map[types.SessionID]int
			if withCounts {
				counts, err = messageCounts(ctx, g, list)
				if err != nil {
					return err
				}
			}

			last, _ := newSettings().Get(transcript.SettingLastSession)
			fmt.Fprintln(os.Stdout, newRenderer().Sessions(list, types.SessionID(last), counts))
			return nil
		})
	},
}

// messageCounts loads every session's history, a few sessions at a time.
func messageCounts(ctx context.Context, g *gateway.Gateway, list []types.Session) (map[types.SessionID]int, error) {
	var mu sync.Mutex
	counts := make(map[types.SessionID]int, len(list))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, s := range list {
		id := s.ID
		eg.Go(func() error {
			msgs, err := g.Conn.ListMessages(ctx, id)
			if err != nil {
				return fmt.Errorf("count messages for %s: %w", id, err)
			}
			mu.Lock()
			counts[id] = len(msgs)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create a session and make it the selected one",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.Join(args, " ")
		return withGateway(func(ctx context.Context, g *gateway.Gateway) error {
			s, err := g.Engine.CreateSession(ctx, title)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Session %s created.\n", s.ID)
			return nil
		})
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := types.SessionID(args[0])
		return withGateway(func(ctx context.Context, g *gateway.Gateway) error {
			if err := g.Engine.DeleteSession(ctx, id); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			settings := newSettings()
			if last, _ := settings.Get(transcript.SettingLastSession); last == string(id) {
				if err := settings.Set(transcript.SettingLastSession, ""); err != nil {
					return err
				}
			}
			fmt.Fprintf(os.Stdout, "Session %s deleted.\n", id)
			return nil
		})
	},
}

var sessionRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := types.SessionID(args[0])
		title := strings.Join(args[1:], " ")
		return withGateway(func(ctx context.Context, g *gateway.Gateway) error {
			s, err := g.Engine.RenameSession(ctx, id, title)
			if err != nil {
				return fmt.Errorf("rename session: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Session %s renamed to %q.\n", s.ID, s.Title)
			return nil
		})
	},
}
