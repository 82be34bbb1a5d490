package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"booking-agent/internal/auth"
	"booking-agent/internal/domain"
	"booking-agent/internal/repository"
)

const (
	defaultMaxToolSteps = 8
	defaultMaxMessages  = 40
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Streamer drives one streamed model completion, forwarding content deltas to
// onDelta and returning the assembled assistant message plus finish reason.
type Streamer interface {
	StreamChat(ctx context.Context, model string, messages []domain.ChatMessage, tools []domain.ToolDefinition, onDelta func(string) error) (domain.ChatMessage, string, error)
}

// Store is the persistence surface consumed by the chat service.
type Store interface {
	GetChat(ctx context.Context, chatID string) (domain.Chat, error)
	SaveChat(ctx context.Context, chat domain.Chat) error
	DeleteChat(ctx context.Context, chatID string) error
	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)
	PutReservation(ctx context.Context, res domain.Reservation) error
}

// WeatherForecaster fetches forecast data for the getWeather tool.
type WeatherForecaster interface {
	Forecast(ctx context.Context, latitude, longitude float64) (map[string]any, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// StreamEvent is one incrementally-flushed output chunk.
type StreamEvent struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Sink receives stream events as they become available. Returning an error
// aborts the conversation (e.g. on client disconnect).
type Sink func(StreamEvent) error

// ChatService orchestrates the tool-driven conversation workflow.
type ChatService struct {
	params       ParamGetter
	llm          Streamer
	store        Store
	weather      WeatherForecaster
	paramPrefix  string
	maxToolSteps int
	maxMessages  int
	logger       *slog.Logger
	newID        func() string

	cacheMu     sync.RWMutex
	cacheLoaded bool
	model       string
}

type ConverseInput struct {
	ChatID   string
	Messages []domain.ChatMessage
}

type ConverseOutput struct {
	ChatID   string
	Produced []domain.ChatMessage
}

func NewChatService(p ParamGetter, llm Streamer, store Store, forecaster WeatherForecaster, paramPrefix string, maxToolSteps, maxMessages int, logger *slog.Logger) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm streamer must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if forecaster == nil {
		return nil, errors.New("usecase: weather forecaster must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxToolSteps <= 0 {
		maxToolSteps = defaultMaxToolSteps
	}
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		params:       p,
		llm:          llm,
		store:        store,
		weather:      forecaster,
		paramPrefix:  paramPrefix,
		maxToolSteps: maxToolSteps,
		maxMessages:  maxMessages,
		logger:       logger,
		newID:        uuid.NewString,
	}, nil
}

// Converse normalizes the incoming messages, runs the model with the tool
// registry, streams output to sink, and persists the grown transcript under
// the caller's user id. Persistence failure after a completed response is
// logged and swallowed.
func (s *ChatService) Converse(ctx context.Context, sess auth.Session, in ConverseInput, sink Sink) (ConverseOutput, error) {
	if !sess.Valid() {
		return ConverseOutput{}, newError(ErrorUnauthorized, "invalid_session", nil)
	}
	if sink == nil {
		return ConverseOutput{}, newError(ErrorInvalidInput, "nil_sink", nil)
	}

	core := filterEmptyMessages(in.Messages)
	if len(core) == 0 {
		return ConverseOutput{}, newError(ErrorInvalidInput, "no_messages", nil)
	}

	chatID := strings.TrimSpace(in.ChatID)
	if chatID == "" {
		chatID = s.newID()
	}

	if err := s.ensureConfig(ctx); err != nil {
		return ConverseOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	registry := s.toolRegistry()
	defs := orderedDefinitions(registry)
	convo := buildPromptMessages(core, s.maxMessages)

	var produced []domain.ChatMessage
	for step := 0; step < s.maxToolSteps; step++ {
		assistant, finish, err := s.llm.StreamChat(ctx, s.model, convo, defs, func(delta string) error {
			return sink(StreamEvent{Type: "text", Text: delta})
		})
		if err != nil {
			if status, ok := upstreamStatusCode(err); ok && status == 429 {
				return ConverseOutput{}, newError(ErrorRateLimited, "openai_rate_limited", err)
			}
			return ConverseOutput{}, newError(ErrorUpstream, "openai_error", err)
		}

		produced = append(produced, assistant)
		convo = append(convo, assistant)

		if finish != "tool_calls" || len(assistant.ToolCalls) == 0 {
			break
		}

		// Tool executions run sequentially in the order the model requested.
		// Each call is announced before it runs so the stream reflects
		// progress, not just completed work.
		for _, call := range assistant.ToolCalls {
			if err := sink(StreamEvent{
				Type:       "tool-call",
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Args:       json.RawMessage(call.Arguments),
			}); err != nil {
				return ConverseOutput{}, newError(ErrorInternal, "stream_write_error", err)
			}
			result := s.executeTool(ctx, sess, registry, call)
			if err := sink(StreamEvent{
				Type:       "tool-result",
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Result:     result,
			}); err != nil {
				return ConverseOutput{}, newError(ErrorInternal, "stream_write_error", err)
			}
			toolMsg := domain.ChatMessage{
				Role:       "tool",
				Content:    string(result),
				ToolCallID: call.ID,
			}
			produced = append(produced, toolMsg)
			convo = append(convo, toolMsg)
		}
	}

	chat := domain.Chat{
		ID:        chatID,
		UserID:    sess.UserID,
		Messages:  append(append([]domain.ChatMessage{}, core...), produced...),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveChat(ctx, chat); err != nil {
		// The response already streamed; losing the transcript is accepted.
		s.logger.Error("failed to save chat", "chatId", chatID, "err", err)
	}

	return ConverseOutput{ChatID: chatID, Produced: produced}, nil
}

// DeleteChat removes a stored chat after an ownership check.
func (s *ChatService) DeleteChat(ctx context.Context, sess auth.Session, chatID string) error {
	if !sess.Valid() {
		return newError(ErrorUnauthorized, "invalid_session", nil)
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return newError(ErrorInvalidInput, "missing_chat_id", nil)
	}

	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(ErrorNotFound, "chat_not_found", err)
		}
		return newError(ErrorInternal, "store_read_error", err)
	}
	if chat.UserID != sess.UserID {
		return newError(ErrorForbidden, "chat_ownership", nil)
	}

	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(ErrorNotFound, "chat_not_found", err)
		}
		return newError(ErrorInternal, "store_delete_error", err)
	}
	return nil
}

// executeTool resolves and runs one requested tool, always producing a JSON
// result payload so the conversation can continue after failures.
func (s *ChatService) executeTool(ctx context.Context, sess auth.Session, registry map[string]toolSpec, call domain.ToolCall) json.RawMessage {
	spec, ok := registry[call.Name]
	if !ok {
		return mustMarshal(errorPayload("unknown tool %q", call.Name))
	}
	out, err := spec.run(ctx, sess, json.RawMessage(call.Arguments))
	if err != nil {
		s.logger.Warn("tool execution failed", "tool", call.Name, "err", err)
		return mustMarshal(errorPayload("tool %s failed", call.Name))
	}
	raw, err := json.Marshal(out)
	if err != nil {
		s.logger.Warn("tool result not serializable", "tool", call.Name, "err", err)
		return mustMarshal(errorPayload("tool %s produced an unreadable result", call.Name))
	}
	return raw
}

func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}
	s.model = model
	s.cacheLoaded = true
	return nil
}

// filterEmptyMessages drops entries with empty content unless they carry tool
// calls or tool results, which have no content of their own.
func filterEmptyMessages(messages []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0 && m.ToolCallID == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func orderedDefinitions(registry map[string]toolSpec) []domain.ToolDefinition {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]domain.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, registry[name].def)
	}
	return defs
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"error":"internal serialization failure"}`)
	}
	return raw
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
