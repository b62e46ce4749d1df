// Package rest exposes the secondary HTTP API: conversation reads, scenario
// CRUD, attachment content, an SSE event stream, and the LLM proxy.
package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/conversation/repository"
	"github.com/colloquy/colloquy/internal/llm"
	"github.com/colloquy/colloquy/internal/orchestrator"
	"github.com/colloquy/colloquy/pkg/api/v1"
)

// sseKeepAlive is the idle comment interval keeping proxies from closing
// the stream.
const sseKeepAlive = 15 * time.Second

// Handler serves the REST API.
type Handler struct {
	orch     *orchestrator.Service
	repo     repository.Repository
	provider llm.Provider
	log      *logger.Logger
}

// NewHandler creates the REST handler. provider may be nil to disable the
// LLM proxy.
func NewHandler(orch *orchestrator.Service, repo repository.Repository, provider llm.Provider, log *logger.Logger) *Handler {
	return &Handler{orch: orch, repo: repo, provider: provider, log: log}
}

// RegisterRoutes mounts all REST routes on the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/conversations", h.listConversations)
	router.GET("/conversations/:id", h.getConversation)
	router.GET("/conversations/:id/events", h.streamEvents)

	router.GET("/scenarios", h.listScenarios)
	router.GET("/scenarios/:id", h.getScenario)
	router.POST("/scenarios", h.createScenario)
	router.PUT("/scenarios/:id", h.updateScenario)
	router.DELETE("/scenarios/:id", h.deleteScenario)

	router.GET("/attachments/:id/content", h.getAttachmentContent)

	router.POST("/llm/generate", h.generate)
}

func (h *Handler) listConversations(c *gin.Context) {
	opts := models.ListConversationsOptions{}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			opts.Limit = n
		}
	}
	if raw := c.Query("hours"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			opts.Hours = n
		}
	}
	if raw := c.Query("status"); raw != "" {
		opts.Status = models.ConversationStatus(raw)
	}

	conversations, err := h.orch.ListConversations(c.Request.Context(), opts)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *Handler) getConversation(c *gin.Context) {
	id, ok := h.conversationID(c)
	if !ok {
		return
	}
	snap, err := h.orch.GetSnapshot(c.Request.Context(), id)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// streamEvents serves the conversation log as SSE frames, starting after
// sinceSeq and following live until the client disconnects.
func (h *Handler) streamEvents(c *gin.Context) {
	id, ok := h.conversationID(c)
	if !ok {
		return
	}
	if _, err := h.orch.GetConversation(c.Request.Context(), id); err != nil {
		h.abortWithError(c, err)
		return
	}

	var sinceSeq int64
	if raw := c.Query("sinceSeq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.abortWithError(c, apperrors.BadRequest("sinceSeq must be an integer"))
			return
		}
		sinceSeq = n
	}

	sub, err := h.orch.Hub().Subscribe(c.Request.Context(), id, sinceSeq, c.Query("includeGuidance") == "true")
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case evt, open := <-sub.Events:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.log.Error("failed to marshal sse event", zap.Error(err))
				continue
			}
			if _, err := c.Writer.WriteString("data: " + string(data) + "\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func (h *Handler) listScenarios(c *gin.Context) {
	scenarios, err := h.repo.ListScenarios(c.Request.Context())
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenarios": scenarios})
}

func (h *Handler) getScenario(c *gin.Context) {
	sc, err := h.repo.GetActiveScenario(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (h *Handler) createScenario(c *gin.Context) {
	var sc models.Scenario
	if err := c.ShouldBindJSON(&sc); err != nil {
		h.abortWithError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := h.repo.InsertScenario(c.Request.Context(), &sc); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sc)
}

func (h *Handler) updateScenario(c *gin.Context) {
	var sc models.Scenario
	if err := c.ShouldBindJSON(&sc); err != nil {
		h.abortWithError(c, apperrors.BadRequest(err.Error()))
		return
	}
	id := c.Param("id")
	if err := h.repo.UpdateScenario(c.Request.Context(), id, &sc); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (h *Handler) deleteScenario(c *gin.Context) {
	if err := h.repo.DeleteScenario(c.Request.Context(), c.Param("id")); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// getAttachmentContent serves the raw attachment bytes with the declared
// content type.
func (h *Handler) getAttachmentContent(c *gin.Context) {
	att, err := h.orch.GetAttachment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", `inline; filename="`+att.Name+`"`)
	c.Data(http.StatusOK, att.ContentType, att.Content)
}

// generate proxies one completion call to the external LLM provider.
func (h *Handler) generate(c *gin.Context) {
	if h.provider == nil {
		h.abortWithError(c, apperrors.BadRequest("llm proxy is not configured"))
		return
	}

	var body v1.GenerateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abortWithError(c, apperrors.BadRequest(err.Error()))
		return
	}

	req := &llm.Request{Model: body.Model, Temperature: body.Temperature}
	for _, m := range body.Messages {
		req.Messages = append(req.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := h.provider.Generate(c.Request.Context(), req)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.GenerateResponse{Content: resp.Content})
}

func (h *Handler) conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.abortWithError(c, apperrors.BadRequest("conversation id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (h *Handler) abortWithError(c *gin.Context, err error) {
	status := apperrors.HTTPStatusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed",
			zap.String("path", c.Request.URL.Path))
	}
	c.AbortWithStatusJSON(status, v1.ErrorBody{
		Code:    apperrors.CodeOf(err),
		Message: err.Error(),
	})
}
