package handlers

import (
	"net/http"
	"time"

	"flowtomanual/agent/pkg/auth"
	"flowtomanual/agent/pkg/response"
	"flowtomanual/agent/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PairRequest struct {
	Code     string `json:"code" binding:"required,min=4"`
	ClientID string `json:"client_id"`
}

type PairResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// Pair exchanges the pairing code shown by the agent for an API token.
func (h *Handler) Pair(c *gin.Context) {
	var req PairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if h.Auth.PairingCodeHash == "" {
		response.Forbidden(c, "pairing is disabled")
		return
	}
	if !utils.CheckPassword(req.Code, h.Auth.PairingCodeHash) {
		h.logger.Warn("pairing code rejected", zap.String("client_ip", c.ClientIP()))
		response.Unauthorized(c, "invalid pairing code")
		return
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = "app"
	}
	token, err := auth.GenerateToken(clientID, h.JWT.ExpireTime)
	if err != nil {
		response.InternalServerError(c, "failed to generate token")
		return
	}
	h.logger.Info("client paired", zap.String("client_id", clientID))
	response.SuccessWithMessage(c, "paired", PairResponse{Token: token, ExpiresIn: h.JWT.ExpireTime})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	data := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.Hub != nil {
		data["step_clients"] = h.Hub.Clients()
	}
	if h.Tabs != nil {
		data["tabs"] = len(h.Tabs.List())
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    200,
		"message": "success",
		"data":    data,
	})
}
