package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/agentlink/internal/agentapi/agentapitest"
	"github.com/user/agentlink/internal/config"
	"github.com/user/agentlink/internal/gateway"
	"github.com/user/agentlink/internal/transcript"
	"github.com/user/agentlink/internal/types"
)

func testGateway(t *testing.T, srv *agentapitest.Server) (*config.Config, *gateway.Gateway) {
	t.Helper()
	dir := t.TempDir()
	cfgPath = filepath.Join(dir, "config.json")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.DataDir = dir
	cfg.Backend.Mode = "remote"
	cfg.Backend.RemoteURL = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, err := connectGateway(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(g.Stop)
	return cfg, g
}

func TestSelectForSendCreatesSession(t *testing.T) {
	srv := agentapitest.NewServer()
	defer srv.Close()
	cfg, g := testGateway(t, srv)

	if err := selectForSend(context.Background(), g, cfg, "", false, "fresh"); err != nil {
		t.Fatalf("select: %v", err)
	}
	sessions := g.Engine.Sessions()
	if len(sessions) != 1 || sessions[0].Title != "fresh" {
		t.Fatalf("expected one created session titled fresh, got %+v", sessions)
	}
	if g.Engine.Selected() != sessions[0].ID {
		t.Errorf("expected created session selected, got %q", g.Engine.Selected())
	}
}

func TestSelectForSendReusesLastSession(t *testing.T) {
	srv := agentapitest.NewServer()
	defer srv.Close()
	existing := srv.AddSession("existing")
	cfg, g := testGateway(t, srv)
	cfg.Session.LastID = string(existing.ID)

	if err := selectForSend(context.Background(), g, cfg, "", false, ""); err != nil {
		t.Fatalf("select: %v", err)
	}
	if got := g.Engine.Selected(); got != existing.ID {
		t.Errorf("expected %s selected, got %q", existing.ID, got)
	}
	if n := len(g.Engine.Sessions()); n != 1 {
		t.Errorf("expected no new session, got %d sessions", n)
	}
}

func TestSelectForSendNewIgnoresLastSession(t *testing.T) {
	srv := agentapitest.NewServer()
	defer srv.Close()
	existing := srv.AddSession("existing")
	cfg, g := testGateway(t, srv)
	cfg.Session.LastID = string(existing.ID)

	if err := selectForSend(context.Background(), g, cfg, "", true, "another"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if got := g.Engine.Selected(); got == existing.ID || got == "" {
		t.Errorf("expected a new session selected, got %q", got)
	}
}

func TestSendRoundTripAndExport(t *testing.T) {
	srv := agentapitest.NewServer()
	defer srv.Close()
	srv.AutoReply("Hi", " there")
	cfg, g := testGateway(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := selectForSend(ctx, g, cfg, "", false, ""); err != nil {
		t.Fatalf("select: %v", err)
	}
	turn, err := g.Engine.Submit(ctx, "hello", &types.ModelRef{ProviderID: "p", ModelID: "m"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := g.AwaitTurn(ctx, turn.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if final.Status != transcript.TurnCompleted {
		t.Fatalf("expected completed turn, got %s", final.Status)
	}

	out := filepath.Join(t.TempDir(), "export.json")
	if err := writeExport(g.Engine, out); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected export content")
	}

	prompts := srv.Prompts()
	if len(prompts) != 1 || prompts[0].Text != "hello" {
		t.Fatalf("expected one prompt, got %+v", prompts)
	}
	if prompts[0].Model == nil || prompts[0].Model.ModelID != "m" {
		t.Errorf("expected model forwarded, got %+v", prompts[0].Model)
	}
}
