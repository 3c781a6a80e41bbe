// Package agentapitest provides an in-process fake of the agent backend
// for tests. It serves the REST surface and an SSE event stream whose
// frames tests inject.
package agentapitest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/user/agentlink/internal/events"
	"github.com/user/agentlink/internal/types"
)

// Prompt is a recorded POST /session/{id}/prompt_async call.
type Prompt struct {
	SessionID types.SessionID
	Text      string
	Model     *types.ModelRef
}

type promptBody struct {
	Parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"parts"`
	Model *types.ModelRef `json:"model"`
}

// Server is a fake agent backend.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	healthy      bool
	version      string
	healthStatus int
	streamStatus int
	promptStatus int
	promptBody   string
	username     string
	password     string
	autoReply    []string
	clock        int64
	seq          int
	sessions     map[types.SessionID]types.Session
	messages     map[types.SessionID][]types.Message
	prompts      []Prompt
	aborts       []types.SessionID
	directories  []string
	streams      map[int]chan []byte
	nextStream   int
	streamOpens  int
	healthProbes int
	closed       bool
}

// NewServer starts a healthy fake backend. Close it when done.
func NewServer() *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		healthy:  true,
		version:  "0.0.0-test",
		clock:    1700000000000,
		sessions: make(map[types.SessionID]types.Session),
		messages: make(map[types.SessionID][]types.Message),
		streams:  make(map[int]chan []byte),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.recordDirectory, s.basicAuth)
	router.GET("/global/health", s.handleHealth)
	router.GET("/global/event", s.handleEvents)
	router.GET("/session", s.handleListSessions)
	router.POST("/session", s.handleCreateSession)
	router.PATCH("/session/:id", s.handleUpdateSession)
	router.DELETE("/session/:id", s.handleDeleteSession)
	router.GET("/session/:id/message", s.handleListMessages)
	router.POST("/session/:id/prompt_async", s.handlePrompt)
	router.POST("/session/:id/abort", s.handleAbort)

	s.Server = httptest.NewServer(router)
	return s
}

// Close ends open event streams and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.DropStreams()
	s.Server.CloseClientConnections()
	s.Server.Close()
}

// SetHealthy controls the healthy flag reported by /global/health.
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// SetVersion sets the version reported by /global/health.
func (s *Server) SetVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// SetHealthStatus makes /global/health fail with the given HTTP status.
// Zero restores normal behaviour.
func (s *Server) SetHealthStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthStatus = status
}

// SetStreamStatus makes /global/event fail with the given HTTP status.
// Zero restores normal behaviour.
func (s *Server) SetStreamStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamStatus = status
}

// SetPromptResponse overrides the reply to prompt_async. Zero status
// restores the default 204.
func (s *Server) SetPromptResponse(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptStatus = status
	s.promptBody = body
}

// RequireBasicAuth rejects requests without these credentials.
func (s *Server) RequireBasicAuth(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.password = password
}

// AutoReply makes every accepted prompt produce a scripted turn: the user
// message, an assistant message streamed as the given chunks, then idle.
func (s *Server) AutoReply(chunks ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReply = chunks
}

// AddSession seeds a session without emitting an event.
func (s *Server) AddSession(title string) types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addSessionLocked(title, "")
}

// AddMessage seeds history for a session.
func (s *Server) AddMessage(m types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.Info.SessionID] = append(s.messages[m.Info.SessionID], m)
}

// Now returns a fresh, strictly increasing timestamp in unix milliseconds.
func (s *Server) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickLocked()
}

func (s *Server) Prompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Prompt(nil), s.prompts...)
}

func (s *Server) Aborts() []types.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.SessionID(nil), s.aborts...)
}

// Directories returns the directory query parameter of every request.
func (s *Server) Directories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.directories...)
}

// OpenStreams returns the number of currently connected event streams.
func (s *Server) OpenStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// StreamOpens returns how many event streams were ever accepted.
func (s *Server) StreamOpens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamOpens
}

func (s *Server) HealthProbes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthProbes
}

// Emit encodes ev and sends it to every open stream.
func (s *Server) Emit(ev events.GlobalEvent) {
	data, err := events.Encode(ev)
	if err != nil {
		panic(fmt.Sprintf("agentapitest: encode %s: %v", ev.Payload.Type(), err))
	}
	s.EmitRaw(string(data))
}

// EmitRaw sends a raw data line to every open stream.
func (s *Server) EmitRaw(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked([]byte(data))
}

// DropStreams ends every open event stream from the server side.
func (s *Server) DropStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.streams {
		close(ch)
		delete(s.streams, id)
	}
}

func (s *Server) broadcastLocked(data []byte) {
	for _, ch := range s.streams {
		ch <- data
	}
}

func (s *Server) emitLocked(ev events.Event) {
	data, err := events.Encode(events.GlobalEvent{Payload: ev})
	if err != nil {
		panic(fmt.Sprintf("agentapitest: encode %s: %v", ev.Type(), err))
	}
	s.broadcastLocked(data)
}

func (s *Server) tickLocked() int64 {
	s.clock++
	return s.clock
}

func (s *Server) nextIDLocked(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s_%04d", prefix, s.seq)
}

func (s *Server) addSessionLocked(title string, parent types.SessionID) types.Session {
	if title == "" {
		title = "New session"
	}
	now := s.tickLocked()
	sess := types.Session{
		ID:       types.SessionID(s.nextIDLocked("ses")),
		ParentID: parent,
		Title:    title,
		Version:  s.version,
		Time:     types.SessionTime{Created: now, Updated: now},
	}
	s.sessions[sess.ID] = sess
	return sess
}

func (s *Server) recordDirectory(c *gin.Context) {
	if dir := c.Query("directory"); dir != "" {
		s.mu.Lock()
		s.directories = append(s.directories, dir)
		s.mu.Unlock()
	}
	c.Next()
}

func (s *Server) basicAuth(c *gin.Context) {
	s.mu.Lock()
	wantUser, wantPass := s.username, s.password
	s.mu.Unlock()
	if wantPass == "" {
		c.Next()
		return
	}
	user, pass, ok := c.Request.BasicAuth()
	if !ok || user != wantUser || pass != wantPass {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "unauthorized"}})
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	s.healthProbes++
	status, healthy, version := s.healthStatus, s.healthy, s.version
	s.mu.Unlock()

	if status != 0 {
		c.JSON(status, gin.H{"message": "health check failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthy": healthy, "version": version})
}

func (s *Server) handleEvents(c *gin.Context) {
	s.mu.Lock()
	if s.closed || s.streamStatus != 0 {
		status := s.streamStatus
		if s.closed {
			status = http.StatusServiceUnavailable
		}
		s.mu.Unlock()
		c.JSON(status, gin.H{"message": "stream unavailable"})
		return
	}
	id := s.nextStream
	s.nextStream++
	s.streamOpens++
	ch := make(chan []byte, 256)
	s.streams[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if cur, ok := s.streams[id]; ok && cur == ch {
			delete(s.streams, id)
		}
		s.mu.Unlock()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	connected, _ := events.Encode(events.GlobalEvent{Payload: events.Connected{}})
	c.SSEvent("message", string(connected))
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("message", string(data))
			c.Writer.Flush()
		}
	}
}

func (s *Server) handleListSessions(c *gin.Context) {
	s.mu.Lock()
	out := make([]types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Time.Updated > out[j].Time.Updated })
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req struct {
		Title    string          `json:"title"`
		ParentID types.SessionID `json:"parentID"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": []gin.H{{"message": err.Error()}}})
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.addSessionLocked(req.Title, req.ParentID)
	s.emitLocked(events.SessionCreated{Info: sess})
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []gin.H{{"message": err.Error()}}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[types.SessionID(c.Param("id"))]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"name": "NotFoundError", "data": gin.H{"message": "session not found"}}})
		return
	}
	sess.Title = req.Title
	sess.Time.Updated = s.tickLocked()
	s.sessions[sess.ID] = sess
	s.emitLocked(events.SessionUpdated{Info: sess})
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := types.SessionID(c.Param("id"))
	sess, ok := s.sessions[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"name": "NotFoundError", "data": gin.H{"message": "session not found"}}})
		return
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	s.emitLocked(events.SessionDeleted{Info: sess})
	c.JSON(http.StatusOK, true)
}

func (s *Server) handleListMessages(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := types.SessionID(c.Param("id"))
	if _, ok := s.sessions[id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"name": "NotFoundError", "data": gin.H{"message": "session not found"}}})
		return
	}
	msgs := s.messages[id]
	if msgs == nil {
		msgs = []types.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handlePrompt(c *gin.Context) {
	var req promptBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []gin.H{{"message": err.Error()}}})
		return
	}
	id := types.SessionID(c.Param("id"))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.promptStatus != 0 {
		c.Data(s.promptStatus, "application/json", []byte(s.promptBody))
		return
	}
	if _, ok := s.sessions[id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"name": "NotFoundError", "data": gin.H{"message": "session not found"}}})
		return
	}

	var text string
	for _, p := range req.Parts {
		if p.Type == string(types.PartText) {
			text += p.Text
		}
	}
	s.prompts = append(s.prompts, Prompt{SessionID: id, Text: text, Model: req.Model})
	if s.autoReply != nil {
		s.replyLocked(id, text, req.Model, s.autoReply)
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAbort(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := types.SessionID(c.Param("id"))
	s.aborts = append(s.aborts, id)
	c.JSON(http.StatusOK, true)
}

// replyLocked emits a complete turn and records it as history.
func (s *Server) replyLocked(sid types.SessionID, text string, model *types.ModelRef, chunks []string) {
	user := types.Message{
		Info: types.MessageInfo{
			ID:        types.MessageID(s.nextIDLocked("msg")),
			SessionID: sid,
			Role:      types.RoleUser,
			Time:      types.MessageTime{Created: s.tickLocked()},
			Model:     model,
		},
	}
	user.Parts = []types.Part{{
		ID:        types.PartID(s.nextIDLocked("prt")),
		SessionID: sid,
		MessageID: user.Info.ID,
		Type:      types.PartText,
		Text:      text,
	}}
	s.emitLocked(events.MessageUpdated{Info: user.Info})
	s.emitLocked(events.PartUpdated{Part: user.Parts[0]})
	s.emitLocked(events.SessionStatus{SessionID: sid, Status: types.SessionStatus{Type: "busy"}})

	asst := types.Message{
		Info: types.MessageInfo{
			ID:        types.MessageID(s.nextIDLocked("msg")),
			SessionID: sid,
			Role:      types.RoleAssistant,
			Time:      types.MessageTime{Created: s.tickLocked()},
			ParentID:  user.Info.ID,
		},
	}
	if model != nil {
		asst.Info.ProviderID = model.ProviderID
		asst.Info.ModelID = model.ModelID
	}
	s.emitLocked(events.MessageUpdated{Info: asst.Info})

	part := types.Part{
		ID:        types.PartID(s.nextIDLocked("prt")),
		SessionID: sid,
		MessageID: asst.Info.ID,
		Type:      types.PartText,
		Time:      &types.PartTime{Start: s.clock},
	}
	for _, chunk := range chunks {
		part.Text += chunk
		s.emitLocked(events.PartUpdated{Part: part, Delta: chunk})
	}
	part.Time.End = s.tickLocked()
	asst.Parts = []types.Part{part}
	asst.Info.Time.Completed = s.clock
	asst.Info.Finish = "stop"
	s.emitLocked(events.MessageUpdated{Info: asst.Info})
	s.emitLocked(events.SessionStatus{SessionID: sid, Status: types.SessionStatus{Type: "idle"}})

	s.messages[sid] = append(s.messages[sid], user, asst)
	if sess, ok := s.sessions[sid]; ok {
		sess.Time.Updated = s.clock
		s.sessions[sid] = sess
	}
}

// Message builds a message value with the server clock, for seeding and
// emitting in tests.
func (s *Server) Message(sid types.SessionID, id types.MessageID, role types.Role, text string) types.Message {
	created := s.Now()
	m := types.Message{
		Info: types.MessageInfo{ID: id, SessionID: sid, Role: role, Time: types.MessageTime{Created: created}},
	}
	if text != "" {
		m.Parts = []types.Part{{
			ID:        types.PartID("prt_" + string(id)),
			SessionID: sid,
			MessageID: id,
			Type:      types.PartText,
			Text:      text,
		}}
	}
	if role == types.RoleAssistant {
		m.Info.Time.Completed = created
	}
	return m
}
