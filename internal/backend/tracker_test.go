package backend

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) add(c Change) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *changeLog) snapshot() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.changes...)
}

func TestTrackerStartsUninitialized(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	if tr.Current().Kind != KindUninitialized {
		t.Errorf("expected uninitialized, got %s", tr.Current().Kind)
	}
}

func TestTrackerEmitsEveryTransition(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	log := &changeLog{}
	tr.Subscribe(log.add)

	tr.Notify(Downloading(0.5))
	tr.Notify(Starting())
	tr.Notify(Running(4096))
	tr.Notify(Stopped())

	waitFor(t, func() bool { return len(log.snapshot()) == 4 })
	got := log.snapshot()
	if got[0].Previous.Kind != KindUninitialized || got[0].Current.Kind != KindDownloading {
		t.Errorf("unexpected first change: %+v", got[0])
	}
	if got[2].Current.Port != 4096 || got[2].Previous.Kind != KindStarting {
		t.Errorf("unexpected running change: %+v", got[2])
	}
	if !got[3].Current.Down() {
		t.Errorf("expected stopped to be down, got %+v", got[3].Current)
	}
	if tr.Current().Kind != KindStopped {
		t.Errorf("expected current stopped, got %s", tr.Current().Kind)
	}
}

func TestTrackerIgnoresInvalidStatus(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	tr.Notify(Running(4096))
	tr.Notify(Status{Kind: KindRunning, Port: 0})
	tr.Notify(Status{Kind: "exploded"})

	if tr.Current().Port != 4096 {
		t.Errorf("expected invalid statuses to be ignored, got %+v", tr.Current())
	}
}

type failingSupervisor struct{}

func (failingSupervisor) Status(context.Context) (Status, error) {
	return Status{}, errors.New("supervisor unavailable")
}

func TestTrackerInit(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	if err := tr.Init(context.Background(), StaticSupervisor{Fixed: Running(5000)}); err != nil {
		t.Fatal(err)
	}
	if !tr.Current().IsRunning() || tr.Current().Port != 5000 {
		t.Errorf("expected running on 5000, got %+v", tr.Current())
	}

	if err := tr.Init(context.Background(), failingSupervisor{}); err == nil {
		t.Error("expected error from failing supervisor")
	}
	if tr.Current().Port != 5000 {
		t.Error("failed init must not change status")
	}
}

func TestTrackerFollow(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	log := &changeLog{}
	tr.Subscribe(log.add)

	input := strings.Join([]string{
		`{"type":"starting"}`,
		``,
		`not json`,
		`{"type":"running","port":4096}`,
		`{"type":"error","message":"crashed"}`,
	}, "\n")

	if err := tr.Follow(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(log.snapshot()) == 3 })
	if tr.Current().Kind != KindError || tr.Current().Message != "crashed" {
		t.Errorf("expected error status, got %+v", tr.Current())
	}
}

func TestTrackerFollowStopsOnCancel(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Follow(ctx, strings.NewReader(`{"type":"starting"}`))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
