package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"booking-agent/internal/auth"
	"booking-agent/internal/domain"
	"booking-agent/internal/usecase"
)

// ChatUseCase is the orchestration surface consumed by the HTTP handlers.
type ChatUseCase interface {
	Converse(ctx context.Context, sess auth.Session, in usecase.ConverseInput, sink usecase.Sink) (usecase.ConverseOutput, error)
	DeleteChat(ctx context.Context, sess auth.Session, chatID string) error
}

type Handler struct {
	chat ChatUseCase
}

func NewHandler(chat ChatUseCase) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	return &Handler{chat: chat}, nil
}

// Register mounts the chat endpoints behind the session guard.
func (h *Handler) Register(r gin.IRouter, guard *auth.Guard) {
	api := r.Group("/api", guard.Middleware())
	api.POST("/chat", h.postChat)
	api.DELETE("/chat", h.deleteChat)
}

type chatRequest struct {
	ID       string               `json:"id"`
	Messages []domain.ChatMessage `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// postChat streams model output as server-sent events. Headers are written
// lazily on the first event so pre-stream failures can still map to a JSON
// error status.
func (h *Handler) postChat(c *gin.Context) {
	sess, ok := auth.SessionFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: string(usecase.ErrorUnauthorized)})
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput)})
		return
	}

	started := false
	sink := func(ev usecase.StreamEvent) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("handler: marshal stream event: %w", err)
		}
		return h.writeEvent(c, &started, payload)
	}

	out, err := h.chat.Converse(c.Request.Context(), sess, usecase.ConverseInput{
		ChatID:   req.ID,
		Messages: req.Messages,
	}, sink)
	if err != nil {
		if !started {
			status, code := statusForError(err)
			c.JSON(status, errorResponse{Error: code})
			return
		}
		// The stream already carries a 200; surface the failure in-band.
		_, code := statusForError(err)
		_ = h.writeEvent(c, &started, []byte(fmt.Sprintf(`{"type":"error","error":%q}`, code)))
		return
	}

	_ = h.writeEvent(c, &started, []byte(fmt.Sprintf(`{"type":"finish","chatId":%q}`, out.ChatID)))
}

func (h *Handler) writeEvent(c *gin.Context, started *bool, payload []byte) error {
	if !*started {
		header := c.Writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		c.Writer.WriteHeader(http.StatusOK)
		*started = true
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("handler: write stream event: %w", err)
	}
	c.Writer.Flush()
	return nil
}

func (h *Handler) deleteChat(c *gin.Context) {
	sess, ok := auth.SessionFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: string(usecase.ErrorUnauthorized)})
		return
	}

	chatID := c.Query("id")
	if chatID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput)})
		return
	}

	if err := h.chat.DeleteChat(c.Request.Context(), sess, chatID); err != nil {
		status, code := statusForError(err)
		c.JSON(status, errorResponse{Error: code})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "chat deleted"})
}

// statusForError maps the use case error taxonomy onto HTTP statuses.
func statusForError(err error) (int, string) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ucErr.Code)
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized, string(ucErr.Code)
	case usecase.ErrorForbidden:
		return http.StatusForbidden, string(ucErr.Code)
	case usecase.ErrorNotFound:
		return http.StatusNotFound, string(ucErr.Code)
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, string(ucErr.Code)
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, string(ucErr.Code)
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
}
