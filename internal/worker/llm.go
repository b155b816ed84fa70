package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/quillspace/quill/internal/pipeline"
	"github.com/quillspace/quill/internal/types"
)

const defaultModel = "claude-haiku-4-5"

// llmClient wraps the Anthropic API for claim work.
type llmClient struct {
	client anthropic.Client
	model  anthropic.Model
}

func newLLMClient(apiKey, model string) *llmClient {
	if model == "" {
		model = defaultModel
	}
	return &llmClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

func (l *llmClient) call(ctx context.Context, prompt string) (string, error) {
	message, err := l.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     l.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("model call: %w", err)
	}
	if len(message.Content) == 0 {
		return "", fmt.Errorf("model returned no content")
	}
	content := message.Content[0]
	if content.Type != "text" {
		return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
	}
	return content.Text, nil
}

// extractJSON pulls the first JSON object or array out of a model reply,
// tolerating surrounding prose or fences.
func extractJSON(reply string) string {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")
	start := strings.IndexAny(reply, "[{")
	if start < 0 {
		return reply
	}
	return strings.TrimSpace(reply[start:])
}

func (l *llmClient) distill(ctx context.Context, content string, contextClaims []types.Claim) ([]types.Claim, error) {
	var b strings.Builder
	b.WriteString("Extract the factual claims from the document below as a JSON array of ")
	b.WriteString(`{"text": string, "confidence": number} objects. `)
	b.WriteString("Each claim is one short standalone sentence. Reply with JSON only.\n")
	if len(contextClaims) > 0 {
		b.WriteString("\nClaims already extracted from sibling fragments, for consistent terminology:\n")
		for _, c := range contextClaims {
			b.WriteString("- " + c.Text + "\n")
		}
	}
	b.WriteString("\nDocument:\n" + content)

	reply, err := l.call(ctx, b.String())
	if err != nil {
		return nil, err
	}
	var claims []types.Claim
	if err := json.Unmarshal([]byte(extractJSON(reply)), &claims); err != nil {
		return nil, fmt.Errorf("model reply was not a claim list: %w", err)
	}
	return claims, nil
}

func (l *llmClient) compare(ctx context.Context, peerClaims, newClaims []types.Claim) (*pipeline.CompareResult, error) {
	var b strings.Builder
	b.WriteString("Compare two claim sets. Classify each NEW claim as NOVEL (no related existing claim), ")
	b.WriteString("CONTRADICTS (conflicts with an existing claim), or KNOWN. Reply with JSON only: ")
	b.WriteString(`{"entropy": <novel fraction>, "friction": <contradicts fraction>, `)
	b.WriteString(`"contradictions": [{"a": <existing claim>, "b": <new claim>, "severity": number}]}`)
	b.WriteString("\n\nExisting claims:\n")
	for _, c := range peerClaims {
		b.WriteString("- " + c.Text + "\n")
	}
	b.WriteString("\nNew claims:\n")
	for _, c := range newClaims {
		b.WriteString("- " + c.Text + "\n")
	}

	reply, err := l.call(ctx, b.String())
	if err != nil {
		return nil, err
	}
	var result pipeline.CompareResult
	if err := json.Unmarshal([]byte(extractJSON(reply)), &result); err != nil {
		return nil, fmt.Errorf("model reply was not a comparison: %w", err)
	}
	return &result, nil
}

func (l *llmClient) classify(ctx context.Context, claims []types.Claim, topics []string) (json.RawMessage, error) {
	var b strings.Builder
	b.WriteString("Assign a hierarchical topic (segments joined by '/') to these claims. Prefer an existing topic. ")
	b.WriteString(`Reply with JSON only: {"primary_topic": string, "secondary_topics": [string], "new_topic": bool}`)
	b.WriteString("\n\nExisting topics:\n")
	for _, t := range topics {
		b.WriteString("- " + t + "\n")
	}
	b.WriteString("\nClaims:\n")
	for _, c := range claims {
		b.WriteString("- " + c.Text + "\n")
	}

	reply, err := l.call(ctx, b.String())
	if err != nil {
		return nil, err
	}
	var result pipeline.ClassifyResult
	if err := json.Unmarshal([]byte(extractJSON(reply)), &result); err != nil {
		return nil, fmt.Errorf("model reply was not a classification: %w", err)
	}
	return pipeline.MustMarshal(result), nil
}
