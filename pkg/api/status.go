package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-peer/pkg/session"
	"github.com/ZentaChain/zentalk-peer/pkg/transfer"
)

const defaultHistoryLimit = 50

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSession handles GET /api/v1/session
func (s *Server) handleSession(c *gin.Context) {
	sess, ok := s.current(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    sess.Info(),
	})
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(c *gin.Context) {
	sess, ok := s.current(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    sess.Stats(),
	})
}

// handleResetEncryption handles POST /api/v1/encryption/reset
func (s *Server) handleResetEncryption(c *gin.Context) {
	sess, ok := s.current(c)
	if !ok {
		return
	}

	if err := sess.ResetEncryption(); err != nil {
		s.respondError(c, "Encryption reset failed", err)
		return
	}

	c.JSON(http.StatusAccepted, SuccessResponse{
		Success: true,
		Message: "Key exchange restarted",
	})
}

// respondError maps session errors to HTTP status codes
func (s *Server) respondError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, session.ErrEncryptionNotReady):
		status = http.StatusConflict
	case errors.Is(err, transfer.ErrEmptyFile):
		status = http.StatusBadRequest
	case errors.Is(err, transfer.ErrFileTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, session.ErrSendFailed):
		status = http.StatusBadGateway
	}

	if status >= 500 {
		s.log.WithError(err).Error(msg)
	}

	c.JSON(status, ErrorResponse{
		Error:   msg,
		Message: err.Error(),
	})
}

// limitParam parses the limit query parameter
func limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid limit",
			Message: "Limit must be a positive number",
		})
		return 0, false
	}
	return limit, true
}
