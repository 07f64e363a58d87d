package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	errorCodeRateLimited    = "RATE_LIMITED"
	errorCodeAuthFailed     = "AUTH_FAILED"
	errorCodeInvalidChannel = "INVALID_CHANNEL"
	errorCodeLockConflict   = "LOCK_CONFLICT"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTransport adapts a gorilla connection to the registry transport. Its
// mutex is the single write serialization point: heartbeats, sends, echoes,
// and close frames all pass through it.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) writeText(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return t.conn.Close()
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	token := c.Query("token")
	address := c.ClientIP()
	connectionID := uuid.NewString()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	transport := &wsTransport{conn: conn}

	if allowed, reason := h.limits.Connections.Allow(address, connectionID); !allowed {
		_ = transport.Close(registry.CloseRateLimited, reason)
		return
	}

	claims, err := h.sessions.Authenticate(connectionID, token)
	if err != nil {
		h.limits.Connections.OnDisconnect(address, connectionID)
		_ = transport.Close(registry.CloseAuthFailed, "Authentication failed")
		return
	}

	if _, err := h.registry.Register(connectionID, address, transport); err != nil {
		h.sessions.Disconnect(connectionID)
		h.limits.Connections.OnDisconnect(address, connectionID)
		return
	}

	h.logger.Info("websocket session started",
		zap.String("connection_id", connectionID),
		zap.String("user_id", claims.UserID))

	conn.SetReadLimit(int64(h.registry.MaxMessageSize()))
	h.readLoop(conn, transport, connectionID, address, claims.UserID)
}

// readLoop pumps inbound frames until the connection dies. Cleanup is
// idempotent across this loop, the heartbeat goroutine, and the stale sweep.
func (h *httpHandler) readLoop(conn *websocket.Conn, transport *wsTransport, connectionID, address, userID string) {
	defer func() {
		h.registry.Disconnect(connectionID)
		h.sessions.Disconnect(connectionID)
		h.limits.Connections.OnDisconnect(address, connectionID)
		h.limits.Messages.Forget(connectionID)
		h.logger.Info("websocket session ended", zap.String("connection_id", connectionID))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrReadLimit) {
				h.logger.Debug("websocket read ended", zap.String("connection_id", connectionID), zap.Error(err))
			}
			return
		}

		h.registry.Touch(connectionID)

		if allowed, reason := h.limits.Messages.Allow(connectionID); !allowed {
			h.sendError(connectionID, errorCodeRateLimited, reason)
			continue
		}

		if newToken, refreshed := h.sessions.RefreshIfNeeded(connectionID); refreshed {
			_ = h.registry.Send(connectionID, registry.Envelope{
				Channel: "token_refresh",
				Data:    map[string]any{"token": newToken},
			})
		}

		var envelope struct {
			Channel string          `json:"channel"`
			Data    json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Channel == "" {
			// Frames that are not channel envelopes are echoed back verbatim.
			_ = transport.writeText(data)
			continue
		}

		h.dispatch(connectionID, userID, envelope.Channel, envelope.Data)
	}
}

func (h *httpHandler) dispatch(connectionID, userID, channel string, data json.RawMessage) {
	switch {
	case strings.HasPrefix(channel, "subscribe:"):
		projectID := strings.TrimPrefix(channel, "subscribe:")
		if err := h.registry.Subscribe(connectionID, projectID); err != nil {
			h.sendError(connectionID, errorCodeInvalidChannel, "Subscription failed")
			return
		}
		_ = h.registry.Send(connectionID, registry.Envelope{
			Channel: "subscription",
			Data:    map[string]any{"status": "subscribed", "projectId": projectID},
		})

	case strings.HasPrefix(channel, "unsubscribe:"):
		projectID := strings.TrimPrefix(channel, "unsubscribe:")
		h.registry.Unsubscribe(connectionID, projectID)
		_ = h.registry.Send(connectionID, registry.Envelope{
			Channel: "subscription",
			Data:    map[string]any{"status": "unsubscribed", "projectId": projectID},
		})

	case strings.HasPrefix(channel, "sync-request:"):
		projectID := strings.TrimPrefix(channel, "sync-request:")
		_ = h.registry.Send(connectionID, registry.Envelope{
			Channel: "sync-response:" + projectID,
			Data:    h.locks.Snapshot(projectID),
		})

	case strings.HasPrefix(channel, "lock-update:"):
		projectID := strings.TrimPrefix(channel, "lock-update:")
		h.handleLockUpdate(connectionID, userID, projectID, data)

	case strings.HasPrefix(channel, "conflict-resolution:"):
		projectID := strings.TrimPrefix(channel, "conflict-resolution:")
		h.handleConflictResolution(connectionID, userID, projectID, data)

	default:
		h.sendError(connectionID, errorCodeInvalidChannel, "Unknown channel: "+channel)
	}
}

type lockUpdateMessage struct {
	Action      string              `json:"action"`
	ComponentID string              `json:"componentId"`
	Lock        locks.ComponentLock `json:"lock"`
}

func (h *httpHandler) handleLockUpdate(connectionID, userID, projectID string, data json.RawMessage) {
	if !h.sessions.HasPermission(connectionID, "write") {
		h.sendError(connectionID, errorCodeAuthFailed, "Write permission required")
		return
	}

	var message lockUpdateMessage
	if err := json.Unmarshal(data, &message); err != nil {
		h.sendError(connectionID, errorCodeInvalidChannel, "Malformed lock update")
		return
	}

	switch message.Action {
	case "unlock":
		if err := h.locks.Release(projectID, message.ComponentID, userID, connectionID); err != nil {
			h.sendError(connectionID, errorCodeLockConflict, err.Error())
		}
	default:
		if _, err := h.locks.SetLock(projectID, message.Lock, userID, connectionID); err != nil {
			h.sendError(connectionID, errorCodeLockConflict, err.Error())
		}
	}
}

type conflictResolutionMessage struct {
	ConflictID string           `json:"conflictId"`
	Resolution locks.Resolution `json:"resolution"`
}

func (h *httpHandler) handleConflictResolution(connectionID, userID, projectID string, data json.RawMessage) {
	if !h.sessions.HasPermission(connectionID, "write") {
		h.sendError(connectionID, errorCodeAuthFailed, "Write permission required")
		return
	}

	var message conflictResolutionMessage
	if err := json.Unmarshal(data, &message); err != nil || message.ConflictID == "" {
		h.sendError(connectionID, errorCodeInvalidChannel, "Malformed conflict resolution")
		return
	}

	if err := h.locks.ResolveConflict(projectID, message.ConflictID, message.Resolution, userID, connectionID); err != nil {
		h.sendError(connectionID, errorCodeLockConflict, err.Error())
	}
}

func (h *httpHandler) sendError(connectionID, code, message string) {
	_ = h.registry.Send(connectionID, registry.Envelope{
		Channel: "error",
		Data:    map[string]any{"code": code, "message": message},
	})
}
