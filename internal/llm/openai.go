package llm

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/mira/internal/domain"
	"github.com/sashabaranov/go-openai"
)

//go:embed system_prompt.txt
var systemPromptTemplate string

const retryBaseDelay = 500 * time.Millisecond

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxRetries  int
	Temperature float64
	MaxTokens   int
}

// OpenAIGenerator calls an OpenAI-compatible chat completion API.
type OpenAIGenerator struct {
	cfg        OpenAIConfig
	client     *openai.Client
	logger     *slog.Logger
	retryDelay time.Duration
}

var _ Generator = (*OpenAIGenerator)(nil)

// NewOpenAI creates a generator for cfg.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAIGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout,
	}

	return &OpenAIGenerator{
		cfg:        cfg,
		client:     openai.NewClientWithConfig(clientConfig),
		logger:     logger,
		retryDelay: retryBaseDelay,
	}
}

// GenerateReply renders the prompt and calls the model, retrying transient
// failures.
func (g *OpenAIGenerator) GenerateReply(ctx context.Context, req Request) (string, error) {
	messages := BuildMessages(req)

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := g.retryDelay * time.Duration(1<<(attempt-1))
			g.logger.Debug("Retrying chat completion", "session_id", req.SessionID, "attempt", attempt, "delay", delay, "error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", fmt.Errorf("chat completion: %w", ctx.Err())
			case <-timer.C:
			}
		}

		text, err := g.complete(ctx, messages)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
	}
	return "", lastErr
}

func (g *OpenAIGenerator) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		Temperature: float32(g.cfg.Temperature),
		MaxTokens:   g.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no chat completion choices: %w", ErrEmptyReply)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}
	return true
}

// BuildMessages renders the system prompt and the turn instruction.
func BuildMessages(req Request) []openai.ChatCompletionMessage {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	trigger := "用户发来消息"
	if req.Kind == domain.TriggerProactive {
		trigger = "你主动开启话题（" + string(req.Category) + "）"
	} else if req.Kind == domain.TriggerWelcome {
		trigger = "用户刚上线"
	}

	values := map[string]string{
		"now":         now.Format("2006-01-02 15:04"),
		"time_of_day": TimeOfDay(now),
		"trigger":     trigger,
		"history":     FormatHistory(req.History),
		"memories":    FormatMemories(req.Memories),
	}
	prompt := systemPromptTemplate
	for key, value := range values {
		prompt = strings.ReplaceAll(prompt, "{"+key+"}", value)
	}

	instruction := req.Payload
	if instruction == "" && req.Kind != domain.TriggerUser {
		instruction = Cue(req.Kind, req.Category, now)
	}

	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt},
		{Role: openai.ChatMessageRoleUser, Content: instruction},
	}
}

// FormatMemories renders memories grouped by kind, in order of first
// appearance.
func FormatMemories(memories []*domain.Memory) string {
	if len(memories) == 0 {
		return "（暂无）"
	}
	var kinds []domain.MemoryKind
	groups := make(map[domain.MemoryKind][]*domain.Memory)
	for _, m := range memories {
		if _, seen := groups[m.Kind]; !seen {
			kinds = append(kinds, m.Kind)
		}
		groups[m.Kind] = append(groups[m.Kind], m)
	}
	var b strings.Builder
	for _, kind := range kinds {
		fmt.Fprintf(&b, "%s：\n", kind.Label())
		for _, m := range groups[kind] {
			fmt.Fprintf(&b, "- %s: %s\n", m.Key, m.Value)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatHistory renders messages as one line each.
func FormatHistory(history []*domain.Message) string {
	if len(history) == 0 {
		return "（还没有聊过天）"
	}
	var b strings.Builder
	for _, m := range history {
		who := "用户"
		if m.Sender == domain.SenderAI {
			who = "Mira"
		}
		content := m.Content
		switch m.ContentType {
		case domain.ContentImage:
			content = "[图片]"
		case domain.ContentAudio:
			content = "[语音]"
		}
		fmt.Fprintf(&b, "%s %s: %s\n", m.Timestamp.Format("15:04"), who, content)
	}
	return strings.TrimRight(b.String(), "\n")
}
