package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wuwenbin0122/dalsi-gateway/internal/dispatch"
	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var errSendInFlight = errors.New("a request is already in progress on this connection")

type streamClientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	sendRequest
}

// handleStream serves chat turns over a websocket. One send runs at a time per
// connection; "cancel" aborts the running one.
func (h *Handler) handleStream(c *gin.Context) {
	conn, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("chat websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	session := sessionKey(c)
	userID := c.GetString(ctxUserKey)
	keyID := c.GetString(ctxAPIKeyIDKey)
	orchestrator := h.dispatcher.ForSession(session)

	var (
		writeMu    sync.Mutex
		inflightMu sync.Mutex
		inflight   context.CancelFunc
		wg         sync.WaitGroup
	)

	sendJSON := func(payload interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(payload)
	}

	sendError := func(requestID, message string, detail error) {
		errMsg := gin.H{"type": "error", "error": message}
		if requestID != "" {
			errMsg["request_id"] = requestID
		}
		if detail != nil {
			errMsg["detail"] = detail.Error()
			errMsg["status"] = statusFromError(detail)
			h.logger.Warnf("chat websocket error: %s: %v", message, detail)
		} else {
			h.logger.Warnf("chat websocket error: %s", message)
		}
		_ = sendJSON(errMsg)
	}

	cancelInflight := func() {
		inflightMu.Lock()
		current := inflight
		inflightMu.Unlock()
		if current != nil {
			current()
		}
	}

	runSend := func(msg streamClientMessage) {
		inflightMu.Lock()
		if inflight != nil {
			inflightMu.Unlock()
			sendError(msg.RequestID, errSendInFlight.Error(), nil)
			return
		}
		sendCtx, sendCancel := h.contextWithTimeout(ctx, msg.TimeoutMS)
		inflight = sendCancel
		inflightMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				inflightMu.Lock()
				inflight = nil
				inflightMu.Unlock()
				sendCancel()
			}()

			requestID := msg.RequestID
			result, err := orchestrator.Send(sendCtx, msg.toDispatch(userID, h.maxLength), dispatch.Callbacks{
				OnToken: func(token string) {
					_ = sendJSON(gin.H{"type": "token", "request_id": requestID, "token": token})
				},
				OnComplete: func(content string, sources []models.Source, full *models.GenerationResult) {
					payload := completePayload(content, sources, full)
					payload["type"] = "complete"
					payload["request_id"] = requestID
					_ = sendJSON(payload)
				},
				OnError: func(err error) {
					sendError(requestID, err.Error(), err)
				},
			})
			if err == nil {
				h.recordKeyUsage(ctx, keyID, result.Metadata)
			}
		}()
	}

	if err := sendJSON(gin.H{"type": "ready", "session_id": session}); err != nil {
		h.logger.Warnf("send ready event failed: %v", err)
		return
	}

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warnf("client chat websocket closed: %v", err)
			}
			break
		}

		if msgType != websocket.TextMessage {
			sendError("", "unsupported frame", fmt.Errorf("message type %d", msgType))
			continue
		}

		var msg streamClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			sendError("", "invalid message", err)
			continue
		}

		switch strings.ToLower(strings.TrimSpace(msg.Type)) {
		case "send":
			if err := msg.validate(); err != nil {
				sendError(msg.RequestID, err.Error(), nil)
				continue
			}
			runSend(msg)

		case "cancel":
			cancelInflight()

		case "clear":
			orchestrator.Clear(msg.ConversationID)
			_ = sendJSON(gin.H{"type": "cleared", "conversation_id": msg.ConversationID})

		case "ping":
			_ = sendJSON(gin.H{"type": "pong"})

		default:
			sendError(msg.RequestID, "unsupported message", fmt.Errorf("%s", msg.Type))
		}
	}

	cancel()
	wg.Wait()
}
