package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"flowtomanual/agent/internal/background"
	"flowtomanual/agent/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeWait = 5 * time.Second

// StepHub pushes every forwarded step to the connected app clients as an
// FTM_STEP envelope. A client that cannot keep up loses steps rather than
// slowing the coordinator.
type StepHub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func NewStepHub(logger *zap.Logger) *StepHub {
	return &StepHub{
		logger:  logger.Named("hub"),
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Broadcast is a background.StepObserver.
func (h *StepHub) Broadcast(step models.StepPayload) {
	raw, err := json.Marshal(background.StepEnvelope{Type: background.MsgStep, Payload: step})
	if err != nil {
		h.logger.Error("failed to encode step", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, out := range h.clients {
		select {
		case out <- raw:
		default:
			h.logger.Warn("step dropped for slow client", zap.String("remote", conn.RemoteAddr().String()))
		}
	}
}

func (h *StepHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *StepHub) add(conn *websocket.Conn) chan []byte {
	out := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[conn] = out
	h.mu.Unlock()
	return out
}

func (h *StepHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

// Close disconnects every client.
func (h *StepHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Handler) StepsWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	out := h.Hub.add(conn)
	defer h.Hub.remove(conn)
	h.logger.Info("step client connected", zap.String("remote", conn.RemoteAddr().String()))

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case raw := <-out:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					return
				}
			}
		}
	}()

	// Keep connection alive until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(stop)
	h.logger.Info("step client disconnected", zap.String("remote", conn.RemoteAddr().String()))
}
