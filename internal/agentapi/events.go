package agentapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sst/opencode-sdk-go/packages/ssestream"

	"github.com/user/agentlink/internal/events"
)

// KindInvalid tags frames that could not be decoded. They still prove the
// channel is alive.
const KindInvalid = "invalid"

// SubscribeEvents opens the global event stream. The returned reader stops
// when ctx is cancelled or Close is called.
func (c *Client) SubscribeEvents(ctx context.Context) (events.Reader, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/global/event", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("open event stream: %w", CheckResponse(resp.StatusCode, body))
	}

	return &eventReader{
		dec:    ssestream.NewDecoder(resp),
		logger: slog.Default().With("component", "agentapi", "endpoint", c.baseURL),
	}, nil
}

// eventReader adapts an SSE decoder to events.Reader.
type eventReader struct {
	dec    ssestream.Decoder
	cur    events.GlobalEvent
	logger *slog.Logger
}

func (r *eventReader) Next() bool {
	for r.dec.Next() {
		data := bytes.TrimSpace(r.dec.Event().Data)
		if len(data) == 0 {
			continue
		}
		ev, err := events.Decode(data)
		if err != nil {
			r.logger.Debug("undecodable event frame", "error", err)
			ev = events.GlobalEvent{Payload: events.Unknown{Kind: KindInvalid}}
		}
		r.cur = ev
		return true
	}
	return false
}

func (r *eventReader) Current() events.GlobalEvent {
	return r.cur
}

func (r *eventReader) Err() error {
	return r.dec.Err()
}

func (r *eventReader) Close() error {
	return r.dec.Close()
}
