package mcpbridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/orchestrator"
)

func (b *Bridge) registerTools(s *server.MCPServer, tpl *Template, config64 string) {
	s.AddTool(
		mcp.NewTool("begin_chat_thread",
			mcp.WithDescription("Start a new conversation from this bridge's template. "+
				"Returns the conversation id to use with the other tools."),
		),
		b.beginChatThreadHandler(tpl, config64),
	)

	s.AddTool(
		mcp.NewTool("send_message_to_chat_thread",
			mcp.WithDescription("Send a message to the conversation as your agent and end your turn. "+
				"Does not wait for replies; call check_replies to read responses."),
			mcp.WithString("conversationId",
				mcp.Required(),
				mcp.Description("The conversation id returned by begin_chat_thread"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message text to send"),
			),
			mcp.WithArray("attachments",
				mcp.Description("Optional attachments: objects with name, contentType, content (utf-8 or base64), and optional summary"),
			),
		),
		b.sendMessageHandler(tpl),
	)

	s.AddTool(
		mcp.NewTool("check_replies",
			mcp.WithDescription("Fetch messages sent after your last message. "+
				"Waits up to waitMs for the first reply when none have arrived yet."),
			mcp.WithString("conversationId",
				mcp.Required(),
				mcp.Description("The conversation id returned by begin_chat_thread"),
			),
			mcp.WithNumber("waitMs",
				mcp.Description("How long to wait for the first reply, in milliseconds"),
			),
			mcp.WithNumber("max",
				mcp.Description("Maximum number of messages to return"),
			),
		),
		b.checkRepliesHandler(tpl),
	)
}

// beginResult is the begin_chat_thread payload; the id is a string on the
// wire even though it is numeric internally.
type beginResult struct {
	ConversationID string `json:"conversationId"`
}

type sendResult struct {
	OK       bool   `json:"ok"`
	Guidance string `json:"guidance"`
	Status   string `json:"status"`
}

type replyAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
	Summary     string `json:"summary,omitempty"`
}

type replyMessage struct {
	From        string            `json:"from"`
	At          time.Time         `json:"at"`
	Text        string            `json:"text"`
	Attachments []replyAttachment `json:"attachments"`
}

type checkResult struct {
	Messages          []replyMessage `json:"messages"`
	Guidance          string         `json:"guidance"`
	Status            string         `json:"status"`
	ConversationEnded bool           `json:"conversation_ended"`
}

func (b *Bridge) beginChatThreadHandler(tpl *Template, config64 string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conv, err := b.orch.CreateConversation(ctx, tpl.Meta(config64))
		if err != nil {
			b.log.WithError(err).Error("bridge failed to create conversation")
			return mcp.NewToolResultError("failed to create a conversation from this template"), nil
		}

		if internal := tpl.InternalAgentIDs(); len(internal) > 0 && b.lifecycle != nil {
			if err := b.lifecycle.Ensure(ctx, conv.ID, internal); err != nil {
				b.log.WithConversationID(conv.ID).WithError(err).Error("bridge failed to ensure hosted agents")
				return mcp.NewToolResultError("failed to start the conversation's agents"), nil
			}
		}

		return toolResultJSON(beginResult{ConversationID: strconv.FormatInt(conv.ID, 10)})
	}
}

func (b *Bridge) sendMessageHandler(tpl *Template) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, result := b.conversationIDArg(req)
		if result != nil {
			return result, nil
		}
		text, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		attachments, result := parseAttachmentsArg(req)
		if result != nil {
			return result, nil
		}

		_, err = b.orch.SendMessage(ctx, conversationID, &orchestrator.SendMessageRequest{
			AgentID:     tpl.StartingAgentID,
			Text:        text,
			Finality:    models.FinalityTurn,
			Attachments: attachments,
		})
		if err != nil {
			return b.sendFailure(conversationID, err)
		}

		snap, err := b.orch.GetSnapshot(ctx, conversationID)
		if err != nil {
			b.log.WithConversationID(conversationID).WithError(err).Error("bridge snapshot failed after send")
			return toolResultJSON(sendResult{OK: true, Status: statusWorking, Guidance: "Message sent."})
		}
		status, guidance := deriveGuidance(snap, tpl.StartingAgentID)
		return toolResultJSON(sendResult{OK: true, Status: status, Guidance: guidance})
	}
}

// sendFailure maps orchestrator errors onto safe bridge responses. Raw store
// errors never reach external clients.
func (b *Bridge) sendFailure(conversationID int64, err error) (*mcp.CallToolResult, error) {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeNotFound:
		return mcp.NewToolResultError("unknown conversation"), nil
	case apperrors.ErrCodeConversationClosed:
		return toolResultJSON(sendResult{OK: false, Status: statusCompleted, Guidance: "Conversation ended."})
	case apperrors.ErrCodeTurnMismatch, apperrors.ErrCodeWrongAgent, apperrors.ErrCodeNoOpenTurn:
		return toolResultJSON(sendResult{OK: false, Status: statusWorking,
			Guidance: "Another agent is mid-turn. Wait for check_replies, then try again."})
	default:
		b.log.WithConversationID(conversationID).WithError(err).Error("bridge send failed")
		return mcp.NewToolResultError("the message could not be delivered"), nil
	}
}

func (b *Bridge) checkRepliesHandler(tpl *Template) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, result := b.conversationIDArg(req)
		if result != nil {
			return result, nil
		}

		waitMs := req.GetInt("waitMs", b.cfg.DefaultWaitMs)
		maxReplies := req.GetInt("max", b.cfg.MaxReplies)
		if maxReplies <= 0 {
			maxReplies = b.cfg.MaxReplies
		}

		snap, err := b.orch.GetSnapshot(ctx, conversationID)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
				return mcp.NewToolResultError("unknown conversation"), nil
			}
			b.log.WithConversationID(conversationID).WithError(err).Error("bridge snapshot failed")
			return mcp.NewToolResultError("the conversation could not be read"), nil
		}

		boundary := externalBoundary(snap.Events, tpl.StartingAgentID)
		replies := b.collectReplies(ctx, snap.Events, tpl.StartingAgentID, boundary, maxReplies)

		// Nothing yet: long-poll for the first reply, then re-read.
		if len(replies) == 0 && waitMs > 0 && snap.Status == models.StatusActive {
			evt, err := b.orch.Hub().WaitForEvent(ctx, conversationID, boundary,
				time.Duration(waitMs)*time.Millisecond,
				func(e *models.Event) bool {
					return e.Type == models.EventTypeMessage && e.AgentID != tpl.StartingAgentID
				})
			if err != nil {
				b.log.WithConversationID(conversationID).WithError(err).Error("bridge long-poll failed")
			}
			if evt != nil {
				if snap, err = b.orch.GetSnapshot(ctx, conversationID); err != nil {
					b.log.WithConversationID(conversationID).WithError(err).Error("bridge snapshot failed after poll")
					return mcp.NewToolResultError("the conversation could not be read"), nil
				}
				replies = b.collectReplies(ctx, snap.Events, tpl.StartingAgentID, boundary, maxReplies)
			}
		}

		status, guidance := deriveGuidance(snap, tpl.StartingAgentID)
		return toolResultJSON(checkResult{
			Messages:          replies,
			Guidance:          guidance,
			Status:            status,
			ConversationEnded: snap.Status == models.StatusCompleted,
		})
	}
}

// externalBoundary returns the seq of the external agent's most recent
// message, or 0 when it has never spoken.
func externalBoundary(events []*models.Event, externalID string) int64 {
	var boundary int64
	for _, evt := range events {
		if evt.Type == models.EventTypeMessage && evt.AgentID == externalID {
			boundary = evt.Seq
		}
	}
	return boundary
}

// collectReplies simplifies message events after the boundary, inlining
// attachment bytes. Internal ids are not exposed.
func (b *Bridge) collectReplies(ctx context.Context, events []*models.Event, externalID string, boundary int64, max int) []replyMessage {
	replies := make([]replyMessage, 0)
	for _, evt := range events {
		if evt.Seq <= boundary || evt.Type != models.EventTypeMessage || evt.AgentID == externalID {
			continue
		}
		payload, err := models.DecodeMessage(evt)
		if err != nil {
			continue
		}

		reply := replyMessage{
			From:        evt.AgentID,
			At:          evt.Ts,
			Text:        payload.Text,
			Attachments: make([]replyAttachment, 0, len(payload.Attachments)),
		}
		for _, ref := range payload.Attachments {
			att, err := b.orch.GetAttachment(ctx, ref.ID)
			if err != nil {
				b.log.WithError(err).Warn("bridge could not inline attachment", zap.String("attachment_id", ref.ID))
				continue
			}
			reply.Attachments = append(reply.Attachments, replyAttachment{
				Name:        att.Name,
				ContentType: att.ContentType,
				Content:     inlineContent(att.Content),
				Summary:     att.Summary,
			})
		}
		replies = append(replies, reply)
		if len(replies) >= max {
			break
		}
	}
	return replies
}

// inlineContent renders attachment bytes for the wire: utf-8 text verbatim,
// anything else base64.
func inlineContent(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}
	return base64.StdEncoding.EncodeToString(content)
}

// parseAttachmentsArg decodes the optional attachments argument into stored
// attachment records. Text content is kept verbatim; base64 is decoded when
// it round-trips cleanly.
func parseAttachmentsArg(req mcp.CallToolRequest) ([]*models.Attachment, *mcp.CallToolResult) {
	args := req.GetArguments()
	raw, ok := args["attachments"]
	if !ok || raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError("attachments must be an array of objects")
	}

	var incoming []struct {
		Name        string `json:"name"`
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
		Summary     string `json:"summary"`
	}
	if err := json.Unmarshal(encoded, &incoming); err != nil {
		return nil, mcp.NewToolResultError("attachments must be an array of {name, contentType, content, summary?}")
	}

	attachments := make([]*models.Attachment, 0, len(incoming))
	for _, in := range incoming {
		if in.Name == "" {
			return nil, mcp.NewToolResultError("every attachment needs a name")
		}
		attachments = append(attachments, &models.Attachment{
			Name:        in.Name,
			ContentType: in.ContentType,
			Content:     decodeContent(in.Content, in.ContentType),
			Summary:     in.Summary,
		})
	}
	return attachments, nil
}

// decodeContent stores text content as utf-8 and decodes base64 for binary
// content types.
func decodeContent(content, contentType string) []byte {
	if isTextContentType(contentType) {
		return []byte(content)
	}
	if decoded, err := base64.StdEncoding.DecodeString(content); err == nil {
		return decoded
	}
	return []byte(content)
}

func isTextContentType(contentType string) bool {
	switch {
	case contentType == "":
		return true
	case len(contentType) >= 5 && contentType[:5] == "text/":
		return true
	case contentType == "application/json", contentType == "application/xml":
		return true
	}
	return false
}

func (b *Bridge) conversationIDArg(req mcp.CallToolRequest) (int64, *mcp.CallToolResult) {
	raw, err := req.RequireString("conversationId")
	if err != nil {
		return 0, mcp.NewToolResultError(err.Error())
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, mcp.NewToolResultError("conversationId must be a numeric string")
	}
	return id, nil
}

func toolResultJSON(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("failed to encode result"), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
