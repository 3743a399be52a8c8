package analysis

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/medivio/internal/domain"
	"github.com/ashureev/medivio/internal/prompt"
)

// ChatApology is the reply shown when a follow-up question fails.
const ChatApology = "I couldn't process that. Please try again."

const systemError = "System Error"

// SystemErrorResponse builds the well-formed degraded response returned
// when the model call fails. The error text never contains the delimiter,
// so the response always parses into five sections.
func SystemErrorResponse(err error) string {
	msg := strings.ReplaceAll(err.Error(), prompt.Delimiter, " ")
	return strings.Join([]string{systemError, systemError, "Low", "Low", msg}, prompt.Delimiter)
}

// Client wraps a Model with a per-call timeout and fail-soft error handling.
// Neither Analyze nor Chat returns an error.
type Client struct {
	model   Model
	timeout time.Duration
}

// NewClient creates an analysis client. A non-positive timeout defaults to 60s.
func NewClient(model Model, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{model: model, timeout: timeout}
}

// Analyze asks the model to analyze images and text in the given mode and
// returns its raw answer. On failure it returns SystemErrorResponse.
func (c *Client) Analyze(ctx context.Context, images []domain.Image, text string, mode prompt.Mode) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	raw, err := c.model.Generate(ctx, prompt.Analyze(mode, text, len(images) > 0), images)
	if err != nil {
		slog.Error("Model analysis failed",
			"error", err,
			"mode", string(mode),
			"images", len(images),
			"duration", time.Since(start))
		return SystemErrorResponse(err)
	}

	slog.Info("Model analysis completed",
		"mode", string(mode),
		"images", len(images),
		"response_length", len(raw),
		"duration", time.Since(start))
	return raw
}

// Chat answers a follow-up question grounded in priorRaw. On failure it
// returns ChatApology.
func (c *Client) Chat(ctx context.Context, priorRaw string, images []domain.Image, question string) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.model.Generate(ctx, prompt.Chat(priorRaw, question), images)
	if err != nil {
		slog.Error("Model chat failed", "error", err, "question_length", len(question))
		return ChatApology
	}
	return reply
}
