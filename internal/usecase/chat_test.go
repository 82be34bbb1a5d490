package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"booking-agent/internal/auth"
	"booking-agent/internal/domain"
	"booking-agent/internal/integrations/openai"
	"booking-agent/internal/repository"
)

type mockParams struct {
	vals map[string]string
	err  error
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", errors.New("param not found: " + name)
	}
	return v, nil
}

type streamStep struct {
	deltas []string
	msg    domain.ChatMessage
	finish string
	err    error
}

type mockStreamer struct {
	steps    []streamStep
	captured [][]domain.ChatMessage
}

func (m *mockStreamer) StreamChat(_ context.Context, _ string, messages []domain.ChatMessage, _ []domain.ToolDefinition, onDelta func(string) error) (domain.ChatMessage, string, error) {
	m.captured = append(m.captured, messages)
	idx := len(m.captured) - 1
	if idx >= len(m.steps) {
		return domain.ChatMessage{}, "", errors.New("no stream step configured")
	}
	step := m.steps[idx]
	if step.err != nil {
		return domain.ChatMessage{}, "", step.err
	}
	for _, d := range step.deltas {
		if err := onDelta(d); err != nil {
			return domain.ChatMessage{}, "", err
		}
	}
	return step.msg, step.finish, nil
}

type mockStore struct {
	chats        map[string]domain.Chat
	reservations map[string]domain.Reservation

	getChatErr error
	saveErr    error
	deleteErr  error
	getResErr  error
	putResErr  error

	savedChat    *domain.Chat
	deletedChat  string
	putRes       []domain.Reservation
	saveAttempts int
}

func newMockStore() *mockStore {
	return &mockStore{
		chats:        map[string]domain.Chat{},
		reservations: map[string]domain.Reservation{},
	}
}

func (m *mockStore) GetChat(_ context.Context, chatID string) (domain.Chat, error) {
	if m.getChatErr != nil {
		return domain.Chat{}, m.getChatErr
	}
	chat, ok := m.chats[chatID]
	if !ok {
		return domain.Chat{}, repository.ErrNotFound
	}
	return chat, nil
}

func (m *mockStore) SaveChat(_ context.Context, chat domain.Chat) error {
	m.saveAttempts++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.savedChat = &chat
	m.chats[chat.ID] = chat
	return nil
}

func (m *mockStore) DeleteChat(_ context.Context, chatID string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.chats[chatID]; !ok {
		return repository.ErrNotFound
	}
	m.deletedChat = chatID
	delete(m.chats, chatID)
	return nil
}

func (m *mockStore) GetReservation(_ context.Context, reservationID string) (domain.Reservation, error) {
	if m.getResErr != nil {
		return domain.Reservation{}, m.getResErr
	}
	res, ok := m.reservations[reservationID]
	if !ok {
		return domain.Reservation{}, repository.ErrNotFound
	}
	return res, nil
}

func (m *mockStore) PutReservation(_ context.Context, res domain.Reservation) error {
	if m.putResErr != nil {
		return m.putResErr
	}
	m.reservations[res.ID] = res
	m.putRes = append(m.putRes, res)
	return nil
}

type mockForecaster struct {
	payload map[string]any
	err     error
}

func (m *mockForecaster) Forecast(_ context.Context, _, _ float64) (map[string]any, error) {
	return m.payload, m.err
}

func defaultParams() *mockParams {
	return &mockParams{vals: map[string]string{
		"/prefix/config/openai_model": "gpt-4o",
	}}
}

func validSession() auth.Session {
	return auth.Session{UserID: "user-1", Email: "a@example.com", ExpiresAt: time.Now().Add(time.Hour)}
}

func expiredSession() auth.Session {
	return auth.Session{UserID: "user-1", ExpiresAt: time.Now().Add(-time.Minute)}
}

func newTestService(t *testing.T, p ParamGetter, llm Streamer, store Store, forecaster WeatherForecaster) *ChatService {
	t.Helper()
	svc, err := NewChatService(p, llm, store, forecaster, "/prefix", 8, 40, nil)
	require.NoError(t, err)
	return svc
}

func collectSink(events *[]StreamEvent) Sink {
	return func(ev StreamEvent) error {
		*events = append(*events, ev)
		return nil
	}
}

func expectChatError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, code, ucErr.Code)
	require.Equal(t, reason, ucErr.Reason)
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	store := newMockStore()
	llm := &mockStreamer{}
	forecaster := &mockForecaster{}

	_, err := NewChatService(nil, llm, store, forecaster, "/prefix", 8, 40, nil)
	require.Error(t, err)

	_, err = NewChatService(defaultParams(), nil, store, forecaster, "/prefix", 8, 40, nil)
	require.Error(t, err)

	_, err = NewChatService(defaultParams(), llm, nil, forecaster, "/prefix", 8, 40, nil)
	require.Error(t, err)

	_, err = NewChatService(defaultParams(), llm, store, nil, "/prefix", 8, 40, nil)
	require.Error(t, err)

	_, err = NewChatService(defaultParams(), llm, store, forecaster, "  ", 8, 40, nil)
	require.Error(t, err)
}

func TestConverse_InvalidSession_NoPersistence(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, defaultParams(), &mockStreamer{}, store, &mockForecaster{})

	var events []StreamEvent
	_, err := svc.Converse(context.Background(), expiredSession(), ConverseInput{
		ChatID:   "chat-1",
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	}, collectSink(&events))
	expectChatError(t, err, ErrorUnauthorized, "invalid_session")
	require.Zero(t, store.saveAttempts)
	require.Empty(t, events)
}

func TestConverse_NoMessagesAfterFiltering(t *testing.T) {
	svc := newTestService(t, defaultParams(), &mockStreamer{}, newMockStore(), &mockForecaster{})

	var events []StreamEvent
	_, err := svc.Converse(context.Background(), validSession(), ConverseInput{
		ChatID:   "chat-1",
		Messages: []domain.ChatMessage{{Role: "user", Content: "   "}},
	}, collectSink(&events))
	expectChatError(t, err, ErrorInvalidInput, "no_messages")
}

func TestConverse_FiltersEmptyMessagesFromPromptAndPersistence(t *testing.T) {
	store := newMockStore()
	llm := &mockStreamer{steps: []streamStep{
		{deltas: []string{"ok"}, msg: domain.ChatMessage{Role: "assistant", Content: "ok"}, finish: "stop"},
	}}
	svc := newTestService(t, defaultParams(), llm, store, &mockForecaster{})

	var events []StreamEvent
	_, err := svc.Converse(context.Background(), validSession(), ConverseInput{
		ChatID: "chat-1",
		Messages: []domain.ChatMessage{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: ""},
			{Role: "user", Content: "second"},
		},
	}, collectSink(&events))
	require.NoError(t, err)

	// Prompt: system + the two non-empty messages.
	require.Len(t, llm.captured, 1)
	sent := llm.captured[0]
	require.Len(t, sent, 3)
	require.Equal(t, "system", sent[0].Role)
	require.Equal(t, "first", sent[1].Content)
	require.Equal(t, "second", sent[2].Content)

	require.NotNil(t, store.savedChat)
	require.Equal(t, "user-1", store.savedChat.UserID)
	require.Len(t, store.savedChat.Messages, 3) // two core + one assistant
	require.Equal(t, "first", store.savedChat.Messages[0].Content)
	require.Equal(t, "second", store.savedChat.Messages[1].Content)
	require.Equal(t, "ok", store.savedChat.Messages[2].Content)
}

func TestConverse_ToolLoop_SearchFlights(t *testing.T) {
	store := newMockStore()
	searchArgs := `{"origin":"SFO","destination":"JFK"}`
	llm := &mockStreamer{steps: []streamStep{
		{
			msg: domain.ChatMessage{
				Role:      "assistant",
				ToolCalls: []domain.ToolCall{{ID: "call_1", Name: "searchFlights", Arguments: searchArgs}},
			},
			finish: "tool_calls",
		},
		{
			deltas: []string{"Here are ", "your flights."},
			msg:    domain.ChatMessage{Role: "assistant", Content: "Here are your flights."},
			finish: "stop",
		},
	}}
	svc := newTestService(t, defaultParams(), llm, store, &mockForecaster{})

	var events []StreamEvent
	out, err := svc.Converse(context.Background(), validSession(), ConverseInput{
		ChatID:   "chat-1",
		Messages: []domain.ChatMessage{{Role: "user", Content: "book SFO to JFK"}},
	}, collectSink(&events))
	require.NoError(t, err)
	require.Equal(t, "chat-1", out.ChatID)

	// Sink saw the tool round-trip and the final text deltas.
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	require.Equal(t, []string{"tool-call", "tool-result", "text", "text"}, types)
	require.Equal(t, "searchFlights", events[0].ToolName)
	require.JSONEq(t, searchArgs, string(events[0].Args))

	var result map[string]any
	require.NoError(t, json.Unmarshal(events[1].Result, &result))
	require.Contains(t, result, "flights")

	// Second model call saw the assistant tool request and the tool result.
	require.Len(t, llm.captured, 2)
	second := llm.captured[1]
	require.Equal(t, "tool", second[len(second)-1].Role)
	require.Equal(t, "call_1", second[len(second)-1].ToolCallID)

	// Persisted transcript keeps the original message and everything produced, in order.
	require.NotNil(t, store.savedChat)
	msgs := store.savedChat.Messages
	require.Len(t, msgs, 4)
	require.Equal(t, "book SFO to JFK", msgs[0].Content)
	require.Len(t, msgs[1].ToolCalls, 1)
	require.Equal(t, "tool", msgs[2].Role)
	require.Equal(t, "Here are your flights.", msgs[3].Content)
}

func TestConverse_UnknownToolYieldsErrorResult(t *testing.T) {
	store := newMockStore()
	llm := &mockStreamer{steps: []streamStep{
		{
			msg: domain.ChatMessage{
				Role:      "assistant",
				ToolCalls: []domain.ToolCall{{ID: "call_1", Name: "launchRocket", Arguments: "{}"}},
			},
			finish: "tool_calls",
		},
		{msg: domain.ChatMessage{Role: "assistant", Content: "sorry"}, finish: "stop"},
	}}
	svc := newTestService(t, defaultParams(), llm, store, &mockForecaster{})

	var events []StreamEvent
	_, err := svc.Converse(context.Background(), validSession(), ConverseInput{
		ChatID:   "chat-1",
		Messages: []domain.ChatMessage{{Role: "user", Content: "go"}},
	}, collectSink(&events))
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(events[1].Result, &result))
	require.Contains(t, result["error"], "unknown tool")
}

func TestConverse_AnnouncesToolCallBeforeExecution(t *testing.T) {
	store := newMockStore()
	llm := &mockStreamer{steps: []streamStep{
		{
			msg: domain.ChatMessage{
				Role:      "assistant",
				ToolCalls: []domain.ToolCall{{ID: "call_1", Name: "createReservation", Arguments: string(reservationArgs(t))}},
			},
			finish: "tool_calls",
		},
		{msg: domain.ChatMessage{Role: "assistant", Content: "reserved"}, finish: "stop"},
	}}
	svc := newTestService(t, defaultParams(), llm, store, &mockForecaster{})

	// Track how many reservations exist when each event reaches the sink.
	reservationsAt := map[string]int{}
	sink := func(ev StreamEvent) error {
		if ev.Type == "tool-call" || ev.Type == "tool-result" {
			reservationsAt[ev.Type] = len(store.putRes)
		}
		return nil
	}

	_, err := svc.Converse(context.Background(), validSession(), ConverseInput{
		ChatID:   "chat-1",
		Messages: []domain.ChatMessage{{Role: "user", Content: "book it"}},
	}, sink)
	require.NoError(t, err)

	require.Equal(t, 0, reservationsAt["tool-call"], "tool-call must stream before the tool runs")
	require.Equal(t, 1, reservationsAt["tool-result"])
}

func TestConverse_GeneratesChatID(t *testing.T) {
	store := newMockStore()
	llm := &mockStreamer{steps: []streamStep{
		{msg: domain.ChatMessage{Role: "assistant", Content: "hi"}, finish: "stop"},
	}}
	svc := newTestService(t, defaultParams(), llm, store, &mockForecaster{})

	var events []StreamEvent
	out, err := svc.Converse(context.Background(), validSession(), ConverseInput{
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	}, collectSink(&events))
	require.NoError(t, err)
	require.NotEmpty(t, out.ChatID)
	require.NotNil(t, store.savedChat)
	require.Equal(t, out.ChatID, store.savedChat.ID)
}

func TestConverse_SaveFailureSwallowed(t *testing.T) {
	store := newMockStore()
	store.saveErr = errors.New("dynamodb down")
	llm := &mockStreamer{steps: []streamStep{
		{msg: domain.ChatMessage{Role: "assistant", Content: "hi"}, finish: "stop"},
	}}
	svc := newTestService(t, defaultParams(), llm, store, &mockForecaster{})

	var events []StreamEvent
	_, err := svc.Converse(context.Background(), validSession(), ConverseInput{
		ChatID:   "chat-1",
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	}, collectSink(&events))
	require.NoError(t, err, "a completed response must not fail on persistence")
	require.Equal(t, 1, store.saveAttempts)
}

func TestConverse_ModelErrors(t *testing.T) {
	svc := newTestService(t, defaultParams(), &mockStreamer{steps: []streamStep{
		{err: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}},
	}}, newMockStore(), &mockForecaster{})

	var events []StreamEvent
	_, err := svc.Converse(context.Background(), validSession(), ConverseInput{
		ChatID:   "chat-1",
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	}, collectSink(&events))
	expectChatError(t, err, ErrorRateLimited, "openai_rate_limited")

	svc = newTestService(t, defaultParams(), &mockStreamer{steps: []streamStep{
		{err: &openai.HTTPStatusError{StatusCode: http.StatusInternalServerError}},
	}}, newMockStore(), &mockForecaster{})
	_, err = svc.Converse(context.Background(), validSession(), ConverseInput{
		ChatID:   "chat-1",
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	}, collectSink(&events))
	expectChatError(t, err, ErrorUpstream, "openai_error")
}

func TestConverse_SSMLoadError(t *testing.T) {
	svc := newTestService(t, &mockParams{err: errors.New("ssm unavailable")}, &mockStreamer{}, newMockStore(), &mockForecaster{})

	var events []StreamEvent
	_, err := svc.Converse(context.Background(), validSession(), ConverseInput{
		ChatID:   "chat-1",
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	}, collectSink(&events))
	expectChatError(t, err, ErrorInternal, "ssm_load_error")
}

func TestDeleteChat_HappyPath(t *testing.T) {
	store := newMockStore()
	store.chats["chat-1"] = domain.Chat{ID: "chat-1", UserID: "user-1"}
	svc := newTestService(t, defaultParams(), &mockStreamer{}, store, &mockForecaster{})

	require.NoError(t, svc.DeleteChat(context.Background(), validSession(), "chat-1"))
	require.Equal(t, "chat-1", store.deletedChat)
}

func TestDeleteChat_OwnershipMismatch(t *testing.T) {
	store := newMockStore()
	store.chats["chat-1"] = domain.Chat{ID: "chat-1", UserID: "someone-else"}
	svc := newTestService(t, defaultParams(), &mockStreamer{}, store, &mockForecaster{})

	err := svc.DeleteChat(context.Background(), validSession(), "chat-1")
	expectChatError(t, err, ErrorForbidden, "chat_ownership")
	require.Contains(t, store.chats, "chat-1", "chat must remain intact")
}

func TestDeleteChat_NotFound(t *testing.T) {
	svc := newTestService(t, defaultParams(), &mockStreamer{}, newMockStore(), &mockForecaster{})
	err := svc.DeleteChat(context.Background(), validSession(), "missing")
	expectChatError(t, err, ErrorNotFound, "chat_not_found")
}

func TestDeleteChat_InvalidSession(t *testing.T) {
	svc := newTestService(t, defaultParams(), &mockStreamer{}, newMockStore(), &mockForecaster{})
	err := svc.DeleteChat(context.Background(), expiredSession(), "chat-1")
	expectChatError(t, err, ErrorUnauthorized, "invalid_session")
}

func TestDeleteChat_MissingID(t *testing.T) {
	svc := newTestService(t, defaultParams(), &mockStreamer{}, newMockStore(), &mockForecaster{})
	err := svc.DeleteChat(context.Background(), validSession(), "  ")
	expectChatError(t, err, ErrorInvalidInput, "missing_chat_id")
}
