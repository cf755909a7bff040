package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ZentaChain/zentalk-peer/pkg/storage"
)

// SendMessageRequest represents a chat message to send
type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// handleSendMessage handles POST /api/v1/messages
func (s *Server) handleSendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	sess, ok := s.current(c)
	if !ok {
		return
	}

	msg, err := sess.SendMessage(req.Content)
	if err != nil {
		s.respondError(c, "Message not sent", err)
		return
	}

	stored := &storage.StoredMessage{
		MessageID:  uuid.NewString(),
		Sender:     msg.Sender,
		Content:    msg.Content,
		Encrypted:  msg.Encrypted,
		IsOutgoing: true,
		Timestamp:  msg.Timestamp,
	}
	if s.db != nil {
		info := sess.Info()
		stored.SessionID = info.ID
		stored.Peer = info.RemoteID
		if err := s.db.SaveMessage(stored); err != nil {
			s.log.WithError(err).Warn("Failed to record outgoing message")
		}
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    stored,
	})
}

// handleMessages handles GET /api/v1/messages
func (s *Server) handleMessages(c *gin.Context) {
	db, ok := s.history(c)
	if !ok {
		return
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}

	messages, err := db.GetRecentMessages(limit)
	if err != nil {
		s.respondError(c, "History unavailable", err)
		return
	}
	if messages == nil {
		messages = []*storage.StoredMessage{}
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    messages,
	})
}
