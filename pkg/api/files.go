package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-peer/pkg/storage"
	"github.com/ZentaChain/zentalk-peer/pkg/transfer"
)

// SendFileRequest names a local file to send to the peer
type SendFileRequest struct {
	Path string `json:"path" binding:"required"`
}

// SendFileResponse carries the id of the started transfer
type SendFileResponse struct {
	Success    bool   `json:"success"`
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	FileType   string `json:"file_type"`
	FileSize   int64  `json:"file_size"`
}

// handleSendFile handles POST /api/v1/files
func (s *Server) handleSendFile(c *gin.Context) {
	var req SendFileRequest
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

	file, err := transfer.OpenFile(req.Path)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Cannot read file",
			Message: err.Error(),
		})
		return
	}

	transferID, err := sess.SendFile(file)
	if err != nil {
		s.respondError(c, "Transfer not started", err)
		return
	}

	c.JSON(http.StatusAccepted, SendFileResponse{
		Success:    true,
		TransferID: transferID,
		FileName:   file.Name,
		FileType:   file.Type,
		FileSize:   file.Size(),
	})
}

// handleTransfers handles GET /api/v1/transfers
func (s *Server) handleTransfers(c *gin.Context) {
	db, ok := s.history(c)
	if !ok {
		return
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}

	transfers, err := db.GetTransfers(limit)
	if err != nil {
		s.respondError(c, "Transfer log unavailable", err)
		return
	}
	if transfers == nil {
		transfers = []*storage.TransferRecord{}
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    transfers,
	})
}
