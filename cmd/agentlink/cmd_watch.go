package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/stream"
	"github.com/user/agentlink/internal/transcript"
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Int("port", 0, "local backend port (overrides backend.port)")
	watchCmd.Flags().Bool("status-stdin", false, "read backend status notifications as JSON lines from stdin")
	watchCmd.Flags().String("session", "", "session to follow")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to the backend and stream the selected session",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "agentlink.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	port, _ := cmd.Flags().GetInt("port")
	statusStdin, _ := cmd.Flags().GetBool("status-stdin")
	session, _ := cmd.Flags().GetString("session")
	if port > 0 {
		cfg.Backend.Port = port
	}
	if statusStdin {
		// Notifications drive the tracker; a static port would contradict them.
		cfg.Backend.Port = 0
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	if session != "" {
		settings := newSettings()
		if err := settings.Set(transcript.SettingLastSession, session); err != nil {
			return fmt.Errorf("select session: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g := newGateway(cfg)
	r := newRenderer()

	var mu sync.Mutex
	follower := r.Follow()
	unsubTranscript := g.Engine.Subscribe(func(snap transcript.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprint(os.Stdout, follower.Update(snap))
	})
	defer unsubTranscript()

	printStatus := func() {
		fmt.Fprintln(os.Stderr, r.Status(g.Conn.State(), g.Conn.StreamHealth()))
	}
	unsubConn := g.Conn.Subscribe(func(connection.State) { printStatus() })
	defer unsubConn()
	unsubStream := g.Conn.SubscribeStream(func(stream.Health) { printStatus() })
	defer unsubStream()

	if statusStdin {
		go func() {
			if err := g.Tracker.Follow(ctx, os.Stdin); err != nil && ctx.Err() == nil {
				slog.Warn("status notifications ended", "error", err)
			}
		}()
	}

	reconnect := make(chan os.Signal, 1)
	signal.Notify(reconnect, syscall.SIGUSR1)
	defer signal.Stop(reconnect)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reconnect:
				slog.Info("received SIGUSR1, reconnecting event stream")
				if err := g.Conn.ReconnectStream(); err != nil {
					slog.Warn("reconnect skipped", "error", err)
				}
			}
		}
	}()

	slog.Info("agentlink watching",
		"mode", cfg.Backend.Mode,
		"remote_url", cfg.Backend.RemoteURL,
		"port", cfg.Backend.Port,
		"status_stdin", statusStdin,
		"http", cfg.HTTP.Enabled,
		"pid_file", pidPath,
	)

	err = g.Run(ctx)

	mu.Lock()
	fmt.Fprint(os.Stdout, follower.Finish())
	mu.Unlock()
	slog.Info("shutting down")
	return err
}
