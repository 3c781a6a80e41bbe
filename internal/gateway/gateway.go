// Package gateway wires the backend tracker, connection manager, event bus,
// transcript engine and journal into one running client.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/user/agentlink/internal/agentapi"
	"github.com/user/agentlink/internal/backend"
	"github.com/user/agentlink/internal/bus"
	"github.com/user/agentlink/internal/config"
	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/events"
	"github.com/user/agentlink/internal/inspect"
	"github.com/user/agentlink/internal/journal"
	"github.com/user/agentlink/internal/transcript"
	"github.com/user/agentlink/internal/types"
)

// Gateway owns every long-lived component. Stream events flow from the
// connection's consumer onto Events, and from there to the engine and the
// journal recorder.
type Gateway struct {
	Tracker  *backend.Tracker
	Conn     *connection.Manager
	Engine   *transcript.Engine
	Events   *bus.Bus[events.GlobalEvent]
	Journal  *journal.Journal
	Recorder *Recorder

	cfg      *config.Config
	settings types.SettingsStore
	logger   *slog.Logger
	unsubs   []func()
	resync   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithoutResync disables the session refresh and reselection that follows
// every connect. One-shot commands that pick their own session use it.
func WithoutResync() Option {
	return func(g *Gateway) {
		g.resync = false
	}
}

// New builds a gateway from cfg. settings persists the selected session and
// connection mode; it may be nil.
func New(cfg *config.Config, settings types.SettingsStore, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		Tracker:  backend.NewTracker(),
		Events:   bus.New[events.GlobalEvent]("events"),
		cfg:      cfg,
		settings: settings,
		logger:   logger.With("component", "gateway"),
		resync:   true,
	}
	for _, opt := range opts {
		opt(g)
	}

	streamOpts := cfg.StreamOptions()
	streamOpts.Publish = g.Events.Publish
	streamOpts.Logger = logger

	clientOpts := []agentapi.Option{agentapi.WithDirectory(cfg.Backend.Directory)}
	if cfg.Backend.Password != "" {
		clientOpts = append(clientOpts, agentapi.WithBasicAuth(cfg.Backend.Username, cfg.Backend.Password))
	}

	g.Conn = connection.New(g.Tracker, connection.Options{
		Mode:             connection.Mode{Kind: connection.ModeKind(cfg.Backend.Mode), URL: cfg.Backend.RemoteURL},
		AutoConnect:      cfg.Backend.AutoConnect,
		ProbeTimeout:     cfg.ProbeTimeout(),
		LivenessInterval: cfg.LivenessInterval(),
		Stream:           streamOpts,
		NewClient: func(endpoint string) connection.API {
			return agentapi.New(endpoint, clientOpts...)
		},
		Settings: settings,
		Logger:   logger,
	})
	g.Engine = transcript.New(g.Conn, transcript.Options{
		BatchWindow: cfg.BatchWindow(),
		Settings:    settings,
		Logger:      logger,
	})

	g.unsubs = append(g.unsubs,
		g.Events.SubscribeFunc(events.FromSource(cfg.Backend.Directory), g.Engine.Handle),
		g.Conn.Subscribe(g.onConnection),
	)
	if cfg.DataDir != "" {
		g.Journal = journal.New(cfg.JournalDir())
		g.Recorder = NewRecorder(g.Journal, 2, logger)
		g.unsubs = append(g.unsubs, g.Events.Subscribe(g.record))
	}
	return g
}

// Start begins following the backend. A remote backend is connected
// immediately; a local one connects once it is reported running, either by
// the configured static port or by Tracker notifications.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)
	if g.Recorder != nil {
		g.Recorder.Start(g.ctx)
	}

	switch g.Conn.Mode().Kind {
	case connection.ModeRemote:
		if err := g.Conn.Connect(g.ctx); err != nil {
			g.logger.Warn("initial connect failed", "error", err)
		}
	case connection.ModeLocal:
		if g.cfg.Backend.Port > 0 {
			sup := backend.StaticSupervisor{Fixed: backend.Running(g.cfg.Backend.Port)}
			if err := g.Tracker.Init(g.ctx, sup); err != nil {
				return fmt.Errorf("init backend status: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown backend mode %q", g.cfg.Backend.Mode)
	}
	return nil
}

// Run starts the gateway, serves the inspect API when enabled and blocks
// until ctx is cancelled or the API fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}
	defer g.Stop()

	eg, ctx := errgroup.WithContext(ctx)
	if g.cfg.HTTP.Enabled {
		srv := g.Inspector()
		eg.Go(func() error {
			if err := srv.Run(ctx, g.cfg.HTTP.Listen); err != nil {
				return fmt.Errorf("inspect API: %w", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return eg.Wait()
}

// Inspector returns an inspect API bound to this gateway's state.
func (g *Gateway) Inspector() *inspect.Server {
	opts := inspect.Options{
		Connection:     g.Conn,
		Transcript:     g.Engine,
		Events:         g.Events,
		AllowedOrigins: g.cfg.HTTP.AllowedOrigins,
		Logger:         g.logger,
	}
	if g.Journal != nil {
		opts.Journal = g.Journal
	}
	return inspect.NewServer(opts)
}

// Stop tears everything down. Queued journal writes are flushed first.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	for _, unsub := range g.unsubs {
		unsub()
	}
	g.Conn.Close()
	g.wg.Wait()
	g.Engine.Close()
	g.Events.Close()
	if g.Recorder != nil {
		g.Recorder.Stop()
	}
	g.Tracker.Close()
}

func (g *Gateway) record(ev events.GlobalEvent) {
	if err := g.Recorder.Record(ev); err != nil && !errors.Is(err, errRecorderStopped) {
		g.logger.Warn("dropping journal record", "type", ev.Payload.Type(), "error", err)
	}
}

// onConnection resynchronises sessions after every successful connect, so
// events missed while disconnected are recovered from history.
func (g *Gateway) onConnection(s connection.State) {
	if s.Phase != connection.PhaseConnected || g.ctx == nil || !g.resync {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.syncSessions(g.ctx); err != nil && g.ctx.Err() == nil {
			g.logger.Warn("session sync failed", "error", err)
		}
	}()
}

func (g *Gateway) syncSessions(ctx context.Context) error {
	list, err := g.Engine.RefreshSessions(ctx)
	if err != nil {
		return err
	}

	selected := g.Engine.Selected()
	if selected == "" && g.settings != nil {
		last, err := g.settings.Get(transcript.SettingLastSession)
		if err != nil {
			return fmt.Errorf("read last session: %w", err)
		}
		selected = types.SessionID(last)
	}
	if selected == "" || g.Engine.Generating() {
		return nil
	}
	for _, s := range list {
		if s.ID == selected {
			return g.Engine.SelectSession(ctx, selected)
		}
	}
	g.logger.Info("last session no longer exists", "session", selected)
	return nil
}
