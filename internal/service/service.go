// Package service is the sprite HTTP facade over the local transport. Its
// responses are the local adapter's canonicalized outputs verbatim, which is
// what lets the sprite_service client promise byte parity with local reads.
package service

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"opsmanager/internal/repo"
	"opsmanager/internal/transport"
)

// Error envelope codes.
const (
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInternal     = "internal"
)

// Server serves the ops endpoints for one repository tree.
type Server struct {
	local *transport.Local
	token string
	log   *zap.Logger
}

// New creates a Server over a local transport. token must be non-empty; the
// service never runs open.
func New(local *transport.Local, token string, logger *zap.Logger) (*Server, error) {
	if local == nil {
		return nil, errors.New("service: local transport is required")
	}
	if token == "" {
		return nil, errors.New("service: token is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{local: local, token: token, log: logger}, nil
}

// Router builds the gin engine. /healthz is unauthenticated; everything under
// /ops requires the token.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	ops := r.Group("/ops", s.requireToken)
	ops.GET("/snapshot", s.handleSnapshot)
	ops.GET("/events", s.handleEvents)
	ops.POST("/control", s.handleControl)
	return r
}

func (s *Server) requireToken(c *gin.Context) {
	got := c.GetHeader(transport.TokenHeader)
	if got == "" {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			got = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if got != s.token {
		s.fail(c, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid token")
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"ok": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	loopID := c.Query("loopId")
	if loopID == "" {
		s.fail(c, http.StatusBadRequest, CodeBadRequest, "loopId is required")
		return
	}
	snap, err := s.local.Snapshot(c.Request.Context(), loopID)
	if err != nil {
		s.failFrom(c, loopID, err)
		return
	}
	s.canonical(c, snap)
}

func (s *Server) handleEvents(c *gin.Context) {
	loopID := c.Query("loopId")
	if loopID == "" {
		s.fail(c, http.StatusBadRequest, CodeBadRequest, "loopId is required")
		return
	}
	var cursor int64
	if raw := c.Query("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.fail(c, http.StatusBadRequest, CodeBadRequest, "cursor must be a non-negative integer")
			return
		}
		cursor = v
	}
	maxEvents := 0
	if raw := c.Query("maxEvents"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			s.fail(c, http.StatusBadRequest, CodeBadRequest, "maxEvents must be a non-negative integer")
			return
		}
		maxEvents = v
	}

	page, err := s.local.Events(c.Request.Context(), loopID, cursor, maxEvents)
	if err != nil {
		s.failFrom(c, loopID, err)
		return
	}
	s.canonical(c, page)
}

func (s *Server) handleControl(c *gin.Context) {
	var req transport.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	// Existence check so an unknown loop is a 404, not a failed actuation.
	if _, err := s.local.Snapshot(c.Request.Context(), req.LoopID); err != nil {
		s.failFrom(c, req.LoopID, err)
		return
	}

	outcome, err := s.local.Control(c.Request.Context(), req)
	if err != nil {
		s.failFrom(c, req.LoopID, err)
		return
	}
	status := http.StatusOK
	switch outcome.Status {
	case transport.OutcomeAmbiguous:
		status = http.StatusConflict
	case transport.OutcomeFailed:
		status = http.StatusInternalServerError
	}
	s.log.Info("control served",
		zap.String("loopId", req.LoopID),
		zap.String("intent", req.Intent),
		zap.String("status", outcome.Status))
	c.JSON(status, outcome)
}

func (s *Server) failFrom(c *gin.Context, loopID string, err error) {
	var nf *transport.NotFoundError
	if errors.As(err, &nf) {
		s.fail(c, http.StatusNotFound, CodeNotFound, loopID)
		return
	}
	s.log.Error("ops request failed", zap.String("loopId", loopID), zap.Error(err))
	s.fail(c, http.StatusInternalServerError, CodeInternal, err.Error())
}

// canonical writes the payload with sorted keys so the body matches what a
// local caller would get from canonicalizing the same projection.
func (s *Server) canonical(c *gin.Context, v any) {
	body, err := repo.CanonicalValue(v)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}
