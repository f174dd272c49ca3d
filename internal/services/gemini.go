package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

var ErrEmptyCompletion = errors.New("model returned no text")

// Completion is the raw result of one generation call.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Generator is the language-model collaborator. A non-nil schema asks for
// JSON conforming to it.
type Generator interface {
	Generate(ctx context.Context, prompt string, schema *genai.Schema) (Completion, error)
	Model() string
}

type GeminiGenerator struct {
	client    *genai.Client
	modelName string
	rateChan  chan struct{} // Token bucket
}

func NewGeminiGenerator(apiKey, modelName string, concurrentReqs int) (*GeminiGenerator, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	if concurrentReqs <= 0 {
		concurrentReqs = 1
	}
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiGenerator{
		client:    client,
		modelName: modelName,
		rateChan:  rateChan,
	}, nil
}

func (g *GeminiGenerator) Close() {
	g.client.Close()
}

func (g *GeminiGenerator) Model() string {
	return g.modelName
}

// acquireRate blocks until a rate slot is available
func (g *GeminiGenerator) acquireRate(ctx context.Context) error {
	select {
	case <-g.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (g *GeminiGenerator) releaseRate() {
	g.rateChan <- struct{}{}
}

func (g *GeminiGenerator) Generate(ctx context.Context, prompt string, schema *genai.Schema) (Completion, error) {
	if err := g.acquireRate(ctx); err != nil {
		return Completion{}, err
	}
	defer g.releaseRate()

	model := g.client.GenerativeModel(g.modelName)
	model.SetTemperature(0.3)
	model.SetTopP(0.95)
	if schema != nil {
		model.ResponseMIMEType = "application/json"
		model.ResponseSchema = schema
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return Completion{}, fmt.Errorf("Gemini API error: %w", err)
	}

	out := Completion{Text: extractText(resp)}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if strings.TrimSpace(out.Text) == "" {
		reason := "unknown"
		if len(resp.Candidates) > 0 {
			reason = fmt.Sprint(resp.Candidates[0].FinishReason)
		}
		return out, fmt.Errorf("%w (finish reason %s)", ErrEmptyCompletion, reason)
	}
	return out, nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}

// extractJSON pulls a JSON document out of free-form model text: code fences
// are stripped, then the outermost {...} or [...] span is taken.
func extractJSON(raw string) string {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return text
	}

	objStart, objEnd := strings.Index(text, "{"), strings.LastIndex(text, "}")
	arrStart, arrEnd := strings.Index(text, "["), strings.LastIndex(text, "]")
	switch {
	case objStart >= 0 && objEnd > objStart && (arrStart < 0 || objStart < arrStart):
		return text[objStart : objEnd+1]
	case arrStart >= 0 && arrEnd > arrStart:
		return text[arrStart : arrEnd+1]
	}
	return text
}
