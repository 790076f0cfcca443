package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
)

const verdictSystemPrompt = `You decide whether a chat message continues the task currently in progress or starts a new, unrelated request.
You are given the recent in-task conversation (user messages and task progress updates) followed by the new message.
Answer with a single JSON object and nothing else:
{"label": "NEW_TASK" | "FOLLOW_UP", "confidence": 0.0-1.0}`

// LLMClassifier asks an OpenAI-compatible chat endpoint for the verdict.
type LLMClassifier struct {
	client openai.Client
	model  string
}

type LLMOptions struct {
	APIKey  string
	BaseURL string
	Model   string
}

func NewLLMClassifier(opts LLMOptions) (*LLMClassifier, error) {
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("classifier model is required")
	}
	reqOpts := []option.RequestOption{}
	if strings.TrimSpace(opts.APIKey) != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if strings.TrimSpace(opts.BaseURL) != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &LLMClassifier{
		client: openai.NewClient(reqOpts...),
		model:  opts.Model,
	}, nil
}

func (c *LLMClassifier) Classify(ctx context.Context, text string, history []Message) (Decision, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(verdictSystemPrompt),
			openai.UserMessage(buildVerdictPrompt(text, history)),
		},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("classifier request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, fmt.Errorf("classifier returned no choices")
	}
	return parseVerdict(resp.Choices[0].Message.Content)
}

func buildVerdictPrompt(text string, history []Message) string {
	var sb strings.Builder
	sb.WriteString("Recent in-task conversation:\n")
	for _, msg := range history {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Text)
		sb.WriteString("\n")
	}
	sb.WriteString("\nNew message:\n")
	sb.WriteString(text)
	return sb.String()
}

func parseVerdict(raw string) (Decision, error) {
	payload := extractJSONObject(raw)
	if payload == "" {
		return Decision{}, fmt.Errorf("classifier verdict is not json: %q", truncate(raw, 120))
	}
	label := strings.ToUpper(strings.TrimSpace(gjson.Get(payload, "label").String()))
	switch Label(label) {
	case LabelNewTask, LabelFollowUp:
	default:
		return Decision{}, fmt.Errorf("classifier verdict label is invalid: %q", label)
	}
	confidence := gjson.Get(payload, "confidence").Float()
	return Decision{Label: Label(label), Confidence: confidence}, nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
