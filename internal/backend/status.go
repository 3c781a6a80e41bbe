// Package backend relays the agent backend's process lifecycle as reported
// by an external supervisor.
package backend

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindUninitialized Kind = "uninitialized"
	KindDownloading   Kind = "downloading"
	KindReady         Kind = "ready"
	KindStarting      Kind = "starting"
	KindRunning       Kind = "running"
	KindStopped       Kind = "stopped"
	KindError         Kind = "error"
)

// ErrNotRunning is returned when a local endpoint is needed but the backend
// has no port.
var ErrNotRunning = errors.New("backend not running")

// Status is a tagged union; only the field matching Kind is meaningful.
// Wire form: {"type":"running","port":4096}.
type Status struct {
	Kind     Kind    `json:"type"`
	Progress float64 `json:"progress,omitempty"`
	Port     int     `json:"port,omitempty"`
	Message  string  `json:"message,omitempty"`
}

func Uninitialized() Status               { return Status{Kind: KindUninitialized} }
func Downloading(progress float64) Status { return Status{Kind: KindDownloading, Progress: progress} }
func Ready() Status                       { return Status{Kind: KindReady} }
func Starting() Status                    { return Status{Kind: KindStarting} }
func Running(port int) Status             { return Status{Kind: KindRunning, Port: port} }
func Stopped() Status                     { return Status{Kind: KindStopped} }
func Failed(message string) Status        { return Status{Kind: KindError, Message: message} }

func (s Status) IsRunning() bool { return s.Kind == KindRunning }

// Down reports whether the backend is stopped or failed. Both require
// connection teardown until the supervisor reports recovery.
func (s Status) Down() bool { return s.Kind == KindStopped || s.Kind == KindError }

func (s Status) String() string {
	switch s.Kind {
	case KindDownloading:
		return fmt.Sprintf("downloading (%.0f%%)", s.Progress*100)
	case KindRunning:
		return fmt.Sprintf("running on port %d", s.Port)
	case KindError:
		return "error: " + s.Message
	}
	return string(s.Kind)
}

// ParseStatus decodes and validates a status notification.
func ParseStatus(data []byte) (Status, error) {
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Status{}, err
	}
	return s, nil
}

// Validate checks that the variant is known and carries its payload.
func (s Status) Validate() error {
	switch s.Kind {
	case KindUninitialized, KindReady, KindStarting, KindStopped:
		return nil
	case KindDownloading:
		if s.Progress < 0 || s.Progress > 1 {
			return fmt.Errorf("invalid download progress %v", s.Progress)
		}
		return nil
	case KindRunning:
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("invalid port %d", s.Port)
		}
		return nil
	case KindError:
		return nil
	case "":
		return errors.New("status missing type")
	}
	return fmt.Errorf("unknown status type %q", s.Kind)
}
