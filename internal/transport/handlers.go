package transport

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/relaysession/sessiond/internal/model"
	"github.com/relaysession/sessiond/internal/registry"
	"github.com/relaysession/sessiond/internal/session"
)

// upgrader is shared by both WebSocket roles; CheckOrigin is permissive
// the way the teacher's content-service sockets were, since origin
// policy is enforced upstream by the gateway this process sits behind.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server wires the control-plane and WebSocket routes for every session
// this process hosts, resolving each one through a registry.Registry.
type Server struct {
	reg *registry.Registry
}

// NewServer returns a Server bound to reg.
func NewServer(reg *registry.Registry) *Server {
	return &Server{reg: reg}
}

// Register attaches every route named in spec.md §6 to r, scoped under
// /sessions/:sessionId.
func (s *Server) Register(r gin.IRouter) {
	g := r.Group("/sessions/:sessionId")
	g.POST("/start", s.handleStart)
	g.POST("/stop", s.handleStop)
	g.GET("/status", s.handleStatus)
	g.POST("/hibernate", s.handleHibernate)
	g.POST("/wake", s.handleWake)
	g.POST("/clear-queue", s.handleClearQueue)
	g.POST("/flush-metrics", s.handleFlushMetrics)
	g.POST("/gc", s.handleGC)
	g.POST("/prompt", s.handlePrompt)
	g.GET("/messages", s.handleMessages)
	g.POST("/webhook-update", s.handleWebhookUpdate)
	g.GET("/ws/client", s.handleClientWebSocket)
	g.GET("/ws/runner", s.handleRunnerWebSocket)
	g.Any("/proxy/*path", s.handleProxy)
}

func (s *Server) agentOrNotFound(c *gin.Context) (*session.Agent, bool) {
	sessionID := c.Param("sessionId")
	a, ok := s.reg.Lookup(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return a, true
}

func (s *Server) handleStart(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req session.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.SessionID = sessionID

	a, err := s.reg.Get(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := a.Start(req); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a.Status())
}

func (s *Server) handleStop(c *gin.Context) {
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	if err := a.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a.Status())
}

func (s *Server) handleStatus(c *gin.Context) {
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a.Status())
}

func (s *Server) handleHibernate(c *gin.Context) {
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	if err := a.Hibernate(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a.Status())
}

func (s *Server) handleWake(c *gin.Context) {
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	if err := a.Wake(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a.Status())
}

func (s *Server) handleClearQueue(c *gin.Context) {
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	if err := a.ClearQueue(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleFlushMetrics(c *gin.Context) {
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	a.FlushMetrics()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleGC(c *gin.Context) {
	sessionID := c.Param("sessionId")
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	dbPath := c.Query("dbPath")
	if err := a.GC(dbPath); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	s.reg.Remove(sessionID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handlePrompt(c *gin.Context) {
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	var body struct {
		AuthorID    string `json:"authorId"`
		AuthorName  string `json:"authorName"`
		AuthorEmail string `json:"authorEmail"`
		Content     string `json:"content" binding:"required"`
		Model       string `json:"model"`
		Interrupt   bool   `json:"interrupt"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.Prompt(body.AuthorID, body.AuthorName, body.AuthorEmail, body.Content, body.Model, body.Interrupt); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (s *Server) handleMessages(c *gin.Context) {
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	messages, err := a.Messages(limit, c.Query("after"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) handleWebhookUpdate(c *gin.Context) {
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	var fields session.WebhookFields
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.WebhookUpdate(fields)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleClientWebSocket upgrades a browser/editor client connection,
// identified by the forwarded-identity headers set upstream (spec.md
// §4.1). The connection is rejected if the session does not exist yet
// — clients only attach after /start.
func (s *Server) handleClientWebSocket(c *gin.Context) {
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	userID := c.GetHeader("X-Forwarded-User")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	name := c.GetHeader("X-Forwarded-Preferred-Username")
	if name == "" {
		name = userID
	}
	email := c.GetHeader("X-Forwarded-Email")
	avatar := c.GetHeader("X-Forwarded-Avatar")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sock := NewClientSocket(conn, userID, name, email, avatar)
	a.RegisterClient(sock)
	sock.ReadLoop(func(f model.Frame) {
		a.HandleClientFrame(sock, f)
	})
	a.UnregisterClient(sock)
}

// handleRunnerWebSocket upgrades the sandbox runner's connection,
// authenticated by the per-session shared secret minted at /start
// (spec.md §4.1, §4.4).
func (s *Server) handleRunnerWebSocket(c *gin.Context) {
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	secret := c.Query("secret")
	if !a.VerifyRunnerSecret(secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid runner secret"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sock := NewRunnerSocket(conn)
	a.RegisterRunner(sock)
	sock.ReadLoop(func(f model.Frame) {
		a.HandleRunnerFrame(f)
	})
	a.UnregisterRunner(sock)
}

// handleProxy reverse-proxies ANY /proxy/*path request into the
// session's sandbox over its first tunnel URL (spec.md §2, §6), the
// HTTP counterpart to the runner WebSocket grounded on the teacher's
// agui_proxy.go run-forwarding handler.
func (s *Server) handleProxy(c *gin.Context) {
	a, ok := s.agentOrNotFound(c)
	if !ok {
		return
	}
	tunnelURLs := a.Status().TunnelURLs
	if len(tunnelURLs) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no sandbox tunnel available"})
		return
	}
	target, err := url.Parse(tunnelURLs[0])
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid tunnel url"})
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	c.Request.URL.Path = c.Param("path")
	proxy.ServeHTTP(c.Writer, c.Request)
}
