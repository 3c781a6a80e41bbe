package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/stream"
	"github.com/user/agentlink/internal/transcript"
	"github.com/user/agentlink/internal/types"
)

// ErrTurnReplaced is returned by AwaitTurn when the transcript moved on to
// another turn or session.
var ErrTurnReplaced = errors.New("turn replaced")

// WaitConnected blocks until the connection is established or fails.
func (g *Gateway) WaitConnected(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	unsub := g.Conn.Subscribe(func(connection.State) { notify(wake) })
	defer unsub()

	for {
		switch s := g.Conn.State(); s.Phase {
		case connection.PhaseConnected:
			return nil
		case connection.PhaseError:
			return fmt.Errorf("connect: %s", s.Message)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// WaitStream blocks until the event stream is open, so nothing a command
// triggers afterwards is missed.
func (g *Gateway) WaitStream(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	unsub := g.Conn.SubscribeStream(func(stream.Health) { notify(wake) })
	defer unsub()

	for {
		switch h := g.Conn.StreamHealth(); h.Phase {
		case stream.PhaseActive:
			return nil
		case stream.PhaseGaveUp:
			return fmt.Errorf("event stream: %s", h.LastError)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// AwaitTurn blocks until the turn with the given id completes or fails and
// returns its final state.
func (g *Gateway) AwaitTurn(ctx context.Context, id types.TurnID) (*transcript.Turn, error) {
	wake := make(chan struct{}, 1)
	unsub := g.Engine.Subscribe(func(transcript.Snapshot) { notify(wake) })
	defer unsub()

	for {
		t := g.Engine.Snapshot().Turn
		if t == nil || t.ID != id {
			return nil, ErrTurnReplaced
		}
		if t.Done() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
