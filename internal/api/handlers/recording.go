package handlers

import (
	"errors"

	"flowtomanual/agent/internal/background"
	"flowtomanual/agent/internal/correlator"
	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/internal/recorder"
	"flowtomanual/agent/internal/services"
	"flowtomanual/agent/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type MessageRequest struct {
	background.Message
	Sender *background.Sender `json:"sender"`
}

// PostMessage is the extension messaging surface over HTTP. A START without a
// sender tab is attributed to the tab showing the app origin.
func (h *Handler) PostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	var sender background.Sender
	if req.Sender != nil {
		sender = *req.Sender
	}
	if req.Type == background.MsgStart && sender.TabID == 0 {
		sender.TabID = h.appTab(req.AppOrigin)
	}

	resp := h.Messenger.Dispatch(c.Request.Context(), req.Message, sender)
	response.Success(c, resp)
}

func (h *Handler) StartRecording(c *gin.Context) {
	var req services.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.AppTabID == 0 {
		req.AppTabID = h.appTab(req.AppOrigin)
	}

	sessionID, err := h.Sessions.StartRecording(c.Request.Context(), req)
	if err != nil {
		var ce *recorder.CaptureError
		switch {
		case errors.Is(err, services.ErrSessionActive):
			response.Conflict(c, err.Error())
		case errors.As(err, &ce):
			response.Unprocessable(c, ce.Message())
		default:
			h.logger.Error("failed to start recording", zap.Error(err))
			response.InternalServerError(c, "failed to start recording: "+err.Error())
		}
		return
	}

	response.SuccessWithMessage(c, "recording started", gin.H{
		"session_id": sessionID,
	})
}

func (h *Handler) StopRecording(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.Sessions.StopRecording(c.Request.Context(), req.SessionID); err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			response.NotFound(c, "recording session not found")
			return
		}
		response.InternalServerError(c, "failed to stop recording: "+err.Error())
		return
	}
	response.SuccessWithMessage(c, "recording stopped", nil)
}

func (h *Handler) GetRecordingStatus(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		response.BadRequest(c, "session_id is required")
		return
	}

	status, err := h.Sessions.GetRecordingStatus(sessionID)
	if err != nil {
		response.NotFound(c, "recording session not found")
		return
	}
	steps, _ := h.Sessions.Steps(sessionID)
	if steps == nil {
		steps = make([]models.StepPayload, 0)
	}

	response.Success(c, gin.H{
		"status": status,
		"steps":  steps,
	})
}

// GetTimeline returns the event log of a finished session joined with its
// screenshots and thumbnails.
func (h *Handler) GetTimeline(c *gin.Context) {
	events, err := h.Sessions.Timeline(c.Param("id"))
	if err != nil {
		response.NotFound(c, "recording session not found")
		return
	}
	if events == nil {
		events = make([]correlator.MergedEvent, 0)
	}
	response.Success(c, events)
}

// RetryUpload reruns the upload of a session whose upload failed.
func (h *Handler) RetryUpload(c *gin.Context) {
	err := h.Sessions.RetryUpload(c.Param("id"))
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		response.NotFound(c, "recording session not found")
	case errors.Is(err, services.ErrNotRetryable):
		response.Conflict(c, err.Error())
	case err != nil:
		response.InternalServerError(c, "failed to retry upload: "+err.Error())
	default:
		response.SuccessWithMessage(c, "upload restarted", nil)
	}
}

func (h *Handler) CleanupRecording(c *gin.Context) {
	if err := h.Sessions.CleanupRecording(c.Param("id")); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.SuccessWithMessage(c, "recording session removed", nil)
}
