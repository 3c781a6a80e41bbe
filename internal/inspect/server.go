// Package inspect serves a read-only JSON view of the live connection,
// stream and transcript state, plus the per-session event journal.
package inspect

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/journal"
	"github.com/user/agentlink/internal/stream"
	"github.com/user/agentlink/internal/transcript"
	"github.com/user/agentlink/internal/types"
)

const defaultEventLimit = 200

// Connection is the part of the connection manager the API reads.
type Connection interface {
	State() connection.State
	Mode() connection.Mode
	StreamHealth() stream.Health
	ReconnectStream() error
}

type Transcript interface {
	Snapshot() transcript.Snapshot
}

type Journal interface {
	Tail(ctx context.Context, id types.SessionID, limit int) ([]*journal.Record, error)
	Count(ctx context.Context, id types.SessionID) (int64, error)
}

// Subscribers reports how many listeners an event bus feeds.
type Subscribers interface {
	Len() int
}

type Options struct {
	Connection Connection
	Transcript Transcript
	// Events, when set, adds the bus subscriber count to /health.
	Events Subscribers
	// Journal is optional; without it the events endpoint answers 503.
	Journal Journal
	// AllowedOrigins limits CORS; empty allows any origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server is the inspect API's HTTP handler.
type Server struct {
	conn       Connection
	transcript Transcript
	journal    Journal
	events     Subscribers
	logger     *slog.Logger
	router     *gin.Engine
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		conn:       opts.Connection,
		transcript: opts.Transcript,
		journal:    opts.Journal,
		events:     opts.Events,
		logger:     logger.With("component", "inspect"),
	}

	corsConfig := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	if len(opts.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = opts.AllowedOrigins
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests, cors.New(corsConfig))
	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	api.GET("/connection", s.handleConnection)
	api.GET("/stream", s.handleStream)
	api.POST("/stream/reconnect", s.handleReconnect)
	api.GET("/sessions", s.handleSessions)
	api.GET("/sessions/:id/events", s.handleSessionEvents)
	api.GET("/transcript", s.handleTranscript)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("inspect API started", "listen", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
		return nil
	}
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.events != nil {
		resp["subscribers"] = s.events.Len()
	}
	c.JSON(http.StatusOK, resp)
}

type connectionResponse struct {
	connection.State
	Mode connection.Mode `json:"mode"`
}

func (s *Server) handleConnection(c *gin.Context) {
	c.JSON(http.StatusOK, connectionResponse{State: s.conn.State(), Mode: s.conn.Mode()})
}

func (s *Server) handleStream(c *gin.Context) {
	c.JSON(http.StatusOK, s.conn.StreamHealth())
}

func (s *Server) handleReconnect(c *gin.Context) {
	if err := s.conn.ReconnectStream(); err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("stream reconnect failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "reconnecting"})
}

type sessionResponse struct {
	ID         types.SessionID `json:"id"`
	Title      string          `json:"title"`
	Updated    int64           `json:"updated"`
	Selected   bool            `json:"selected"`
	EventCount int64           `json:"eventCount"`
}

func (s *Server) handleSessions(c *gin.Context) {
	snap := s.transcript.Snapshot()
	result := make([]sessionResponse, 0, len(snap.Sessions))
	for _, sess := range snap.Sessions {
		r := sessionResponse{
			ID:       sess.ID,
			Title:    sess.Title,
			Updated:  sess.Time.Updated,
			Selected: sess.ID == snap.SessionID,
		}
		if s.journal != nil {
			n, err := s.journal.Count(c.Request.Context(), sess.ID)
			if err != nil {
				s.logger.Warn("count journal failed", "session", sess.ID, "error", err)
			}
			r.EventCount = n
		}
		result = append(result, r)
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSessionEvents(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal not configured"})
		return
	}
	id := types.SessionID(c.Param("id"))
	limit := defaultEventLimit
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	recs, err := s.journal.Tail(c.Request.Context(), id, limit)
	if err != nil {
		s.logger.Error("tail journal failed", "session", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if recs == nil {
		recs = []*journal.Record{}
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) handleTranscript(c *gin.Context) {
	c.JSON(http.StatusOK, s.transcript.Snapshot())
}
