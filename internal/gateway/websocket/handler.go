// Package websocket exposes the JSON-RPC 2.0 gateway over a WebSocket
// connection: conversation CRUD, appends, live subscriptions, and lifecycle
// control.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/lifecycle"
	"github.com/colloquy/colloquy/internal/orchestrator"
	"github.com/colloquy/colloquy/pkg/api/v1"
	"github.com/colloquy/colloquy/pkg/jsonrpc"
)

// Handler upgrades connections and dispatches JSON-RPC methods.
type Handler struct {
	orch      *orchestrator.Service
	lifecycle *lifecycle.Manager
	log       *logger.Logger
	upgrader  websocket.Upgrader
}

// NewHandler creates the gateway handler.
func NewHandler(orch *orchestrator.Service, lc *lifecycle.Manager, log *logger.Logger) *Handler {
	return &Handler{
		orch:      orch,
		lifecycle: lc,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the gateway on the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws", h.handleWS)
}

func (h *Handler) handleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h, h.log)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go client.WritePump(ctx)
	client.ReadPump(ctx)
}

// dispatch routes one request to its method handler.
func (h *Handler) dispatch(ctx context.Context, client *Client, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case jsonrpc.MethodPing:
		return h.respond(req.ID, "pong")

	case jsonrpc.MethodCreateConversation:
		return h.createConversation(ctx, req)

	case jsonrpc.MethodGetConversation:
		return h.getConversation(ctx, req)

	case jsonrpc.MethodSendMessage:
		return h.sendMessage(ctx, req)

	case jsonrpc.MethodSubscribe:
		return h.subscribe(ctx, client, req)

	case jsonrpc.MethodUnsubscribe:
		return h.unsubscribe(client, req)

	case jsonrpc.MethodSubscribeConversations:
		return h.subscribeConversations(client, req)

	case jsonrpc.MethodLifecycleEnsure:
		return h.lifecycleEnsure(ctx, req)

	case jsonrpc.MethodLifecycleStop:
		return h.lifecycleStop(ctx, req)

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "unknown method "+req.Method)
	}
}

func (h *Handler) createConversation(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params v1.CreateConversationParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error())
	}
	conv, err := h.orch.CreateConversation(ctx, params.Meta)
	if err != nil {
		return h.errorResponse(req.ID, err)
	}
	return h.respond(req.ID, v1.CreateConversationResult{ConversationID: conv.ID})
}

func (h *Handler) getConversation(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params v1.GetConversationParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error())
	}
	snap, err := h.orch.GetSnapshot(ctx, params.ConversationID)
	if err != nil {
		return h.errorResponse(req.ID, err)
	}
	if !params.IncludeScenario {
		snap.Scenario = nil
	}
	return h.respond(req.ID, snap)
}

func (h *Handler) sendMessage(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params v1.SendMessageParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error())
	}
	evt, err := h.orch.SendMessage(ctx, params.ConversationID, &orchestrator.SendMessageRequest{
		AgentID:  params.AgentID,
		Text:     params.Message.Text,
		Finality: params.Finality,
		Turn:     params.Turn,
	})
	if err != nil {
		return h.errorResponse(req.ID, err)
	}
	return h.respond(req.ID, v1.AppendResult{Seq: evt.Seq, Turn: evt.Turn})
}

func (h *Handler) subscribe(ctx context.Context, client *Client, req *jsonrpc.Request) *jsonrpc.Response {
	var params v1.SubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error())
	}
	if _, err := h.orch.GetConversation(ctx, params.ConversationID); err != nil {
		return h.errorResponse(req.ID, err)
	}

	// Detached from the request context: the subscription outlives this frame.
	sub, err := h.orch.Hub().Subscribe(context.Background(), params.ConversationID, params.SinceSeq, params.IncludeGuidance)
	if err != nil {
		return h.errorResponse(req.ID, err)
	}
	client.addSubscription(sub, jsonrpc.NotificationEvent, func(v interface{}) interface{} { return v })
	return h.respond(req.ID, v1.SubscribeResult{SubscriptionID: sub.ID()})
}

func (h *Handler) unsubscribe(client *Client, req *jsonrpc.Request) *jsonrpc.Response {
	var params v1.UnsubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error())
	}
	if !client.removeSubscription(params.SubscriptionID) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeNotFound, "unknown subscription")
	}
	return h.respond(req.ID, v1.OKResult{OK: true})
}

func (h *Handler) subscribeConversations(client *Client, req *jsonrpc.Request) *jsonrpc.Response {
	sub := h.orch.Hub().SubscribeAll(false)
	client.addSubscription(sub, jsonrpc.NotificationConversation, func(v interface{}) interface{} {
		evt, ok := v.(*models.Event)
		if !ok {
			return nil
		}
		return v1.ConversationNotification{ConversationID: evt.Conversation}
	})
	return h.respond(req.ID, v1.SubscribeResult{SubscriptionID: sub.ID()})
}

func (h *Handler) lifecycleEnsure(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params v1.LifecycleEnsureParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error())
	}
	if h.lifecycle == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, "lifecycle is not enabled")
	}
	if err := h.lifecycle.Ensure(ctx, params.ConversationID, params.AgentIDs); err != nil {
		return h.errorResponse(req.ID, err)
	}
	ensured := make([]v1.EnsuredAgent, 0, len(params.AgentIDs))
	for _, id := range params.AgentIDs {
		ensured = append(ensured, v1.EnsuredAgent{ID: id})
	}
	return h.respond(req.ID, v1.LifecycleEnsureResult{Ensured: ensured})
}

func (h *Handler) lifecycleStop(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params v1.LifecycleStopParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error())
	}
	if h.lifecycle == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, "lifecycle is not enabled")
	}
	if err := h.lifecycle.Stop(ctx, params.ConversationID); err != nil {
		return h.errorResponse(req.ID, err)
	}
	return h.respond(req.ID, v1.OKResult{OK: true})
}

func (h *Handler) respond(id interface{}, result interface{}) *jsonrpc.Response {
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		h.log.Error("failed to marshal result", zap.Error(err))
		return jsonrpc.NewErrorResponse(id, jsonrpc.InternalError, "failed to encode result")
	}
	return resp
}

func (h *Handler) errorResponse(id interface{}, err error) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, rpcCode(err), err.Error())
}

// rpcCode maps the error taxonomy onto JSON-RPC application codes.
func rpcCode(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeNotFound:
		return jsonrpc.CodeNotFound
	case apperrors.ErrCodeConversationClosed:
		return jsonrpc.CodeConversationClosed
	case apperrors.ErrCodeTurnMismatch:
		return jsonrpc.CodeTurnMismatch
	case apperrors.ErrCodeNoOpenTurn:
		return jsonrpc.CodeNoOpenTurn
	case apperrors.ErrCodeWrongAgent:
		return jsonrpc.CodeWrongAgent
	case apperrors.ErrCodeAgentNotPermitted:
		return jsonrpc.CodeAgentNotPermitted
	case apperrors.ErrCodePreconditionFailed:
		return jsonrpc.CodePreconditionFailed
	case apperrors.ErrCodeBadRequest, apperrors.ErrCodeValidationError:
		return jsonrpc.InvalidParams
	default:
		return jsonrpc.InternalError
	}
}
