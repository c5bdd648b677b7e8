package handlers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"flowtomanual/agent/internal/backend"
	"flowtomanual/agent/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type GenerateManualRequest struct {
	Format             string `json:"format" binding:"omitempty,oneof=pdf docx xlsx"`
	IncludeScreenshots bool   `json:"include_screenshots"`
}

// GenerateManual asks the backend for a manual of the session in :id. The
// backend either answers with a manual id or streams the document directly.
func (h *Handler) GenerateManual(c *gin.Context) {
	var req GenerateManualRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	docs := h.DocumentsFor(c.Query("origin"))
	res, err := docs.GenerateManual(c.Request.Context(), c.Param("id"), backend.ManualOptions{
		Format:             req.Format,
		IncludeScreenshots: req.IncludeScreenshots,
	})
	if err != nil {
		h.backendError(c, "generate manual", err)
		return
	}
	if res.Document != nil {
		sendDocument(c, res.Document)
		return
	}
	response.Success(c, gin.H{"manual_id": res.ManualID})
}

func (h *Handler) DownloadManual(c *gin.Context) {
	doc, err := h.DocumentsFor(c.Query("origin")).DownloadManual(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.backendError(c, "download manual", err)
		return
	}
	sendDocument(c, doc)
}

func (h *Handler) DownloadRecording(c *gin.Context) {
	doc, err := h.DocumentsFor(c.Query("origin")).DownloadRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.backendError(c, "download recording", err)
		return
	}
	sendDocument(c, doc)
}

// ServePreview serves a local preview of an uploaded recording.
func (h *Handler) ServePreview(c *gin.Context) {
	name := filepath.Base(c.Param("name"))
	if h.PreviewDir == "" || name == "." || name == string(filepath.Separator) {
		response.NotFound(c, "preview not found")
		return
	}
	fullPath := filepath.Join(h.PreviewDir, name)
	if _, err := os.Stat(fullPath); err != nil {
		response.NotFound(c, "preview not found")
		return
	}
	c.File(fullPath)
}

func (h *Handler) backendError(c *gin.Context, op string, err error) {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		h.logger.Warn(op+" failed", zap.Int("status", apiErr.Status), zap.Error(err))
		response.Error(c, apiErr.Status, fmt.Sprintf("%s failed: backend returned %d", op, apiErr.Status))
		return
	}
	h.logger.Error(op+" failed", zap.Error(err))
	response.BadGateway(c, op+" failed: "+err.Error())
}

func sendDocument(c *gin.Context, doc *backend.Document) {
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Filename))
	c.Data(200, contentType, doc.Data)
}
