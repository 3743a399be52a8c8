// Package analysis talks to the external multimodal model and turns its
// free-text answers into structured results.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/medivio/internal/domain"
	"google.golang.org/genai"
)

// ErrEmptyResponse is returned when the model answers with no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Model is the external model contract: ordered instruction segments plus
// images in, free text out. Output is untrusted.
type Model interface {
	Generate(ctx context.Context, segments []string, images []domain.Image) (string, error)
}

// GeminiModel implements Model with the Gemini API.
type GeminiModel struct {
	client *genai.Client
	name   string
}

// NewGeminiModel creates a Gemini-backed model.
func NewGeminiModel(ctx context.Context, apiKey, modelName string) (*GeminiModel, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiModel{client: client, name: modelName}, nil
}

// Generate sends the text segments followed by the inline images as a
// single user turn.
func (m *GeminiModel) Generate(ctx context.Context, segments []string, images []domain.Image) (string, error) {
	parts := make([]*genai.Part, 0, len(segments)+len(images))
	for _, s := range segments {
		parts = append(parts, genai.NewPartFromText(s))
	}
	for _, img := range images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIME))
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := m.client.Models.GenerateContent(ctx, m.name, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
