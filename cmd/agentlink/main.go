package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/config"
	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/gateway"
	"github.com/user/agentlink/internal/render"
)

var (
	cfgPath string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:           "agentlink",
	Short:         "Follow and drive a local or remote agent backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable styled output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func newRenderer() *render.Renderer {
	styles := render.DefaultStyles()
	if noColor {
		styles = render.PlainStyles()
	}
	return render.New(styles, 0)
}

func newSettings() *config.FileSettings {
	return config.NewFileSettings(cfgPath)
}

func newGateway(cfg *config.Config, opts ...gateway.Option) *gateway.Gateway {
	return gateway.New(cfg, newSettings(), slog.Default(), opts...)
}

// connectGateway starts a gateway for a one-shot command and waits for the
// backend connection. The caller owns Stop.
func connectGateway(ctx context.Context, cfg *config.Config) (*gateway.Gateway, error) {
	if cfg.Backend.Mode == string(connection.ModeLocal) && cfg.Backend.Port <= 0 {
		return nil, fmt.Errorf("local mode needs backend.port (or AGENTLINK_PORT); use watch --status-stdin to follow a supervisor")
	}

	g := newGateway(cfg, gateway.WithoutResync())
	if err := g.Start(ctx); err != nil {
		g.Stop()
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout()+5*time.Second)
	defer cancel()
	if g.Conn.Mode().Kind == connection.ModeLocal {
		// The static port is already reported running; auto-connect may be off.
		if err := g.Conn.Connect(waitCtx); err != nil {
			g.Stop()
			return nil, err
		}
	}
	if err := g.WaitConnected(waitCtx); err != nil {
		g.Stop()
		return nil, fmt.Errorf("wait for backend: %w", err)
	}
	if err := g.WaitStream(waitCtx); err != nil {
		g.Stop()
		return nil, fmt.Errorf("wait for event stream: %w", err)
	}
	return g, nil
}
