// Package journal keeps an append-only record of the events each session
// received, so a transcript can be inspected or rebuilt after the fact.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/agentlink/internal/events"
	"github.com/user/agentlink/internal/types"
)

// ErrUnscoped is returned when appending an event that names no session.
var ErrUnscoped = errors.New("event is not scoped to a session")

const maxRecordSize = 4 << 20

// Record is one journaled event.
type Record struct {
	Seq   int64           `json:"seq"`
	At    time.Time       `json:"at"`
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// Decode returns the journaled event.
func (r *Record) Decode() (events.GlobalEvent, error) {
	return events.Decode(r.Event)
}

// Journal stores records per session in sessions/<sessionID>/events.jsonl.
type Journal struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
	seqs  map[types.SessionID]int64
}

// New creates a journal rooted at the given directory.
func New(root string) *Journal {
	return &Journal{
		root:  root,
		now:   time.Now,
		locks: make(map[types.SessionID]*sync.Mutex),
		seqs:  make(map[types.SessionID]int64),
	}
}

func (j *Journal) lock(id types.SessionID) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	if l, ok := j.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	j.locks[id] = l
	return l
}

func (j *Journal) path(id types.SessionID) string {
	return filepath.Join(j.root, "sessions", string(id), "events.jsonl")
}

// Append journals ev under the session it belongs to and returns its
// sequence number.
func (j *Journal) Append(_ context.Context, ev events.GlobalEvent) (int64, error) {
	sid := events.SessionOf(ev.Payload)
	if sid == "" {
		return 0, ErrUnscoped
	}
	l := j.lock(sid)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path(sid)), 0o755); err != nil {
		return 0, fmt.Errorf("create session dir: %w", err)
	}
	seq, err := j.lastSeq(sid)
	if err != nil {
		return 0, err
	}

	raw, err := events.Encode(ev)
	if err != nil {
		return 0, err
	}
	rec := Record{Seq: seq + 1, At: j.now().UTC(), Type: ev.Payload.Type(), Event: raw}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}

	f, err := os.OpenFile(j.path(sid), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}

	j.mu.Lock()
	j.seqs[sid] = rec.Seq
	j.mu.Unlock()
	return rec.Seq, nil
}

// lastSeq returns the highest sequence number journaled for the session.
// Caller must hold the session lock.
func (j *Journal) lastSeq(id types.SessionID) (int64, error) {
	j.mu.Lock()
	seq, ok := j.seqs[id]
	j.mu.Unlock()
	if ok {
		return seq, nil
	}
	var last int64
	err := j.scan(id, func(r *Record) error {
		last = r.Seq
		return nil
	})
	return last, err
}

func (j *Journal) scan(id types.SessionID, fn func(*Record) error) error {
	f, err := os.Open(j.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan journal: %w", err)
	}
	return nil
}

// Tail returns the last limit records for the session, oldest first. A
// limit of zero or less returns every record.
func (j *Journal) Tail(_ context.Context, id types.SessionID, limit int) ([]*Record, error) {
	l := j.lock(id)
	l.Lock()
	defer l.Unlock()

	var out []*Record
	err := j.scan(id, func(r *Record) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Count returns the number of records for the session.
func (j *Journal) Count(_ context.Context, id types.SessionID) (int64, error) {
	l := j.lock(id)
	l.Lock()
	defer l.Unlock()
	var n int64
	err := j.scan(id, func(*Record) error {
		n++
		return nil
	})
	return n, err
}

// Sessions lists the sessions that have a journal.
func (j *Journal) Sessions() ([]types.SessionID, error) {
	entries, err := os.ReadDir(filepath.Join(j.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []types.SessionID
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, types.SessionID(e.Name()))
		}
	}
	return ids, nil
}

// Replay feeds every journaled event of the session to fn in order.
func (j *Journal) Replay(ctx context.Context, id types.SessionID, fn func(events.GlobalEvent)) (int, error) {
	recs, err := j.Tail(ctx, id, 0)
	if err != nil {
		return 0, err
	}
	for i, r := range recs {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		ev, err := r.Decode()
		if err != nil {
			return i, fmt.Errorf("decode record %d: %w", r.Seq, err)
		}
		fn(ev)
	}
	return len(recs), nil
}
