package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	sdk "github.com/sashabaranov/go-openai"

	"booking-agent/internal/domain"
)

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client streams chat completions with tool support. The underlying SDK
// client is built lazily because the API key lives in SSM and is fetched on
// the first call, then reused for the lifetime of the process.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	initOnce sync.Once
	api      *sdk.Client
	initErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new Client backed by the given paramstore Getter for
// API key retrieval.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// resolveAPI builds the SDK client on the first call and returns the cached
// instance on every subsequent call within the same process lifetime.
func (c *Client) resolveAPI(ctx context.Context) (*sdk.Client, error) {
	c.initOnce.Do(func() {
		apiKey, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
		if err != nil {
			c.initErr = err
			return
		}
		cfg := sdk.DefaultConfig(apiKey)
		if c.baseURL != "" {
			cfg.BaseURL = c.baseURL
		}
		if c.httpClient != nil {
			cfg.HTTPClient = c.httpClient
		} else {
			cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
		}
		c.api = sdk.NewClientWithConfig(cfg)
	})
	return c.api, c.initErr
}

// StreamChat runs one streamed completion. Content deltas are forwarded to
// onDelta as they arrive; tool-call fragments are accumulated and returned on
// the assembled assistant message. The second return value is the finish
// reason reported by the model ("stop", "tool_calls", ...).
func (c *Client) StreamChat(ctx context.Context, model string, messages []domain.ChatMessage, tools []domain.ToolDefinition, onDelta func(string) error) (domain.ChatMessage, string, error) {
	if model == "" {
		return domain.ChatMessage{}, "", errors.New("openai: model must not be empty")
	}

	api, err := c.resolveAPI(ctx)
	if err != nil {
		return domain.ChatMessage{}, "", err
	}

	stream, err := api.CreateChatCompletionStream(ctx, sdk.ChatCompletionRequest{
		Model:    model,
		Messages: toSDKMessages(messages),
		Tools:    toSDKTools(tools),
	})
	if err != nil {
		return domain.ChatMessage{}, "", wrapSDKError(err)
	}
	defer stream.Close()

	var content strings.Builder
	calls := map[int]*domain.ToolCall{}
	finish := ""

	for {
		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return domain.ChatMessage{}, "", wrapSDKError(recvErr)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onDelta != nil {
				if err := onDelta(choice.Delta.Content); err != nil {
					return domain.ChatMessage{}, "", fmt.Errorf("openai: forward delta: %w", err)
				}
			}
		}
		for i, tc := range choice.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := calls[idx]
			if !ok {
				acc = &domain.ToolCall{}
				calls[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Arguments += tc.Function.Arguments
		}
	}

	msg := domain.ChatMessage{
		Role:      "assistant",
		Content:   content.String(),
		ToolCalls: orderedCalls(calls),
	}
	return msg, finish, nil
}

func orderedCalls(calls map[int]*domain.ToolCall) []domain.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(calls))
	for i := range calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	out := make([]domain.ToolCall, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, *calls[i])
	}
	return out
}

func toSDKMessages(messages []domain.ChatMessage) []sdk.ChatCompletionMessage {
	out := make([]sdk.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		sm := sdk.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			sm.ToolCalls = append(sm.ToolCalls, sdk.ToolCall{
				ID:   tc.ID,
				Type: sdk.ToolTypeFunction,
				Function: sdk.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, sm)
	}
	return out
}

func toSDKTools(tools []domain.ToolDefinition) []sdk.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]sdk.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, sdk.Tool{
			Type: sdk.ToolTypeFunction,
			Function: &sdk.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// wrapSDKError normalizes SDK failures into HTTPStatusError where a status
// code is known, so callers can map 429 separately from other upstream errors.
func wrapSDKError(err error) error {
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *sdk.RequestError
	if errors.As(err, &reqErr) {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return fmt.Errorf("openai: request failed: %w", err)
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
