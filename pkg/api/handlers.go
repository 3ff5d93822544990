// Package api exposes the localhost-only HTTP surface spec.md §6 describes:
// status reads for a dashboard, plus a small set of write endpoints (advice
// feedback, packet invalidation) that a local tool can call to steer the
// engine's future behavior. The handler shape — a Server struct holding its
// subsystem dependencies, gin.Context methods responding with
// c.JSON(status, gin.H{...}) — follows the teacher's pkg/api/handlers.go
// Server/NewServer pattern; nothing here talks to a session/LLM pipeline
// the way the teacher's does, since this server only ever reads and nudges
// already-computed advisory state.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/budgierless/spark-advisory-engine/pkg/config"
	"github.com/budgierless/spark-advisory-engine/pkg/engine"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
	"github.com/budgierless/spark-advisory-engine/pkg/sessionstate"
)

// packetLister is satisfied by *packetstore.FileStore. pgstore.Store has no
// equivalent cheap index scan, so a Server backed by it simply returns an
// empty list from /packets rather than failing the request.
type packetLister interface {
	ListPacketSummaries() []packetstore.PacketSummary
}

// Server holds the subsystem dependencies the dashboard's handlers read
// from or write through.
type Server struct {
	sessions *sessionstate.Store
	packets  packetstore.Store
	lister   packetLister
	cfg      *config.Manager
	eng      *engine.Engine

	startedAt time.Time
}

// NewServer builds a Server. packets may also implement packetLister (the
// file-backed store does) for the /packets listing; cfg and eng are
// optional — a nil Manager makes /status report only uptime, and a nil
// Engine omits the event-log summary.
func NewServer(sessions *sessionstate.Store, packets packetstore.Store, cfg *config.Manager, eng *engine.Engine) *Server {
	lister, _ := packets.(packetLister)
	return &Server{
		sessions:  sessions,
		packets:   packets,
		lister:    lister,
		cfg:       cfg,
		eng:       eng,
		startedAt: time.Now(),
	}
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status handles GET /status: the engine's effective configuration and
// uptime, for a dashboard's landing view.
func (s *Server) Status(c *gin.Context) {
	resp := gin.H{
		"status":       "ok",
		"uptime_s":     time.Since(s.startedAt).Seconds(),
		"has_packets":  s.packets != nil,
		"has_sessions": s.sessions != nil,
	}
	if s.cfg != nil {
		resp["config"] = s.cfg.Snapshot()
	}
	if s.eng != nil {
		resp["engine_log"] = s.eng.EventLogStats()
	}
	c.JSON(http.StatusOK, resp)
}

// GetSession handles GET /sessions/:id.
func (s *Server) GetSession(c *gin.Context) {
	sessionID := c.Param("id")
	if !s.sessions.Exists(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	state := s.sessions.Load(sessionID, time.Now())
	c.JSON(http.StatusOK, state)
}

// ListPackets handles GET /packets: a lightweight summary of every packet
// the store currently tracks.
func (s *Server) ListPackets(c *gin.Context) {
	if s.lister == nil {
		c.JSON(http.StatusOK, gin.H{"packets": []packetstore.PacketSummary{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"packets": s.lister.ListPacketSummaries()})
}

// feedbackRequest is the body of POST /feedback. At least one of PacketID or
// AdviceID must be set; when both are, AdviceID is used and PacketID is
// ignored. Helpful is a pointer so "not rated" is distinguishable
// from "rated unhelpful" the same way packetstore.RecordPacketFeedback
// already requires.
type feedbackRequest struct {
	PacketID string `json:"packet_id"`
	AdviceID string `json:"advice_id"`
	Helpful  *bool  `json:"helpful"`
	Noisy    bool   `json:"noisy"`
	Followed bool   `json:"followed"`
	Source   string `json:"source" binding:"required"`
}

// RecordFeedback handles POST /feedback.
func (s *Server) RecordFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PacketID == "" && req.AdviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "one of packet_id or advice_id is required"})
		return
	}

	var err error
	if req.AdviceID != "" {
		err = s.packets.RecordPacketFeedbackForAdvice(req.AdviceID, req.Helpful, req.Noisy, req.Followed, req.Source)
	} else {
		err = s.packets.RecordPacketFeedback(req.PacketID, req.Helpful, req.Noisy, req.Followed, req.Source)
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// invalidateRequest is the body of POST /invalidate. Setting PacketID
// invalidates one packet; otherwise ProjectKey/ToolName/IntentFamily/FileHint
// scope a bulk invalidation sweep.
type invalidateRequest struct {
	PacketID     string `json:"packet_id"`
	ProjectKey   string `json:"project_key"`
	ToolName     string `json:"tool_name"`
	IntentFamily string `json:"intent_family"`
	FileHint     string `json:"file_hint"`
	Reason       string `json:"reason" binding:"required"`
}

// Invalidate handles POST /invalidate.
func (s *Server) Invalidate(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.PacketID != "" {
		if err := s.packets.InvalidatePacket(req.PacketID, req.Reason); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "invalidated", "count": 1})
		return
	}

	n, err := s.packets.InvalidatePackets(req.ProjectKey, req.ToolName, req.IntentFamily, req.Reason, req.FileHint)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "invalidated", "count": n})
}

// Register mounts every handler onto router, gating the write endpoints
// behind RestrictToLocalhost per spec.md §6's "POST endpoints restricted to
// 127.0.0.1/::1 unless an explicit allow-remote flag is set".
func (s *Server) Register(router *gin.Engine, allowRemote bool) {
	router.GET("/health", s.Health)
	router.GET("/status", s.Status)
	router.GET("/sessions/:id", s.GetSession)
	router.GET("/packets", s.ListPackets)

	writes := router.Group("/")
	writes.Use(RestrictToLocalhost(allowRemote))
	writes.POST("/feedback", s.RecordFeedback)
	writes.POST("/invalidate", s.Invalidate)
}
