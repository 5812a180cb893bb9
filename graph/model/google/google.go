// Package google adapts Google's Gemini API to model.ChatModel.
//
// Tool specs are not mapped; Gemini calls through this adapter are
// text-only. Nodes that need tool use should pair the tool registry
// with the OpenAI or Anthropic adapters.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/rungraph/graph/model"
)

// DefaultModel is used when no model is specified.
const DefaultModel = "gemini-1.5-flash"

// ChatModel calls the Gemini API. Close releases the underlying client.
type ChatModel struct {
	client *genai.Client
	model  string
}

// New creates a Gemini-backed ChatModel. An empty apiKey falls back to
// the GOOGLE_API_KEY environment variable.
func New(ctx context.Context, apiKey, mdl string) (*ChatModel, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
		if apiKey == "" {
			return nil, errors.New("google: API key not provided and GOOGLE_API_KEY not set")
		}
	}
	if mdl == "" {
		mdl = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &ChatModel{client: client, model: mdl}, nil
}

// Close closes the underlying client.
func (c *ChatModel) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Chat sends the conversation. System messages become the system
// instruction; the rest of the history is flattened into content parts.
func (c *ChatModel) Chat(ctx context.Context, messages []model.Message, _ []model.ToolSpec) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	gm := c.client.GenerativeModel(c.model)

	var parts []genai.Part
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(m.Content)}}
			continue
		}
		parts = append(parts, genai.Text(m.Content))
	}
	if len(parts) == 0 {
		return model.ChatOut{}, errors.New("google chat: no user content")
	}

	resp, err := gm.GenerateContent(ctx, parts...)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google chat: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return model.ChatOut{}, errors.New("google chat: empty response")
	}

	out := model.ChatOut{Model: c.model}
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.Text += string(text)
		}
	}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}
