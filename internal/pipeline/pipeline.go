// Package pipeline runs the analysis and follow-up chat actions shared by
// the page handlers and the websocket.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/medivio/internal/analysis"
	"github.com/ashureev/medivio/internal/domain"
	"github.com/ashureev/medivio/internal/events"
	"github.com/ashureev/medivio/internal/history"
	"github.com/ashureev/medivio/internal/prompt"
	"github.com/ashureev/medivio/internal/session"
)

var (
	// ErrNotLoggedIn is returned when an action needs an authenticated session.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrEmptyInput is returned when neither images nor text were supplied.
	ErrEmptyInput = errors.New("no images or text supplied")
	// ErrEmptyQuestion is returned for a blank chat question.
	ErrEmptyQuestion = errors.New("question is required")
)

const publishTimeout = 5 * time.Second

// Chat channels recorded in the conversation log.
const (
	ChannelHTTP      = "chat_http"
	ChannelWebSocket = "chat_ws"
)

// Pipeline wires the analysis client to history, events and the
// conversation log.
type Pipeline struct {
	client    *analysis.Client
	history   *history.Service
	publisher events.Publisher
	convLog   analysis.ConversationLogger
}

// New creates a pipeline. Nil publisher and logger default to no-ops.
func New(client *analysis.Client, hist *history.Service, publisher events.Publisher, convLog analysis.ConversationLogger) *Pipeline {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if convLog == nil {
		convLog = analysis.NopConversationLogger()
	}
	return &Pipeline{client: client, history: hist, publisher: publisher, convLog: convLog}
}

// RunAnalysis clears the previous result, asks the model, parses the answer,
// records it in history and stores it on the session. A history failure is
// logged and does not prevent the result from being shown. If the session
// signed out, changed user or started another analysis while the model was
// answering, the result is still recorded for the original user but is not
// stored on the session, and session.ErrStale is returned.
func (p *Pipeline) RunAnalysis(ctx context.Context, st *session.State, images []domain.Image, text string, mode prompt.Mode) (domain.AnalysisResult, error) {
	email, ok := st.User()
	if !ok {
		return domain.AnalysisResult{}, ErrNotLoggedIn
	}
	text = strings.TrimSpace(text)
	if len(images) == 0 && text == "" {
		return domain.AnalysisResult{}, ErrEmptyInput
	}

	gen := st.BeginAnalysis()

	raw := p.client.Analyze(ctx, images, text, mode)
	result := analysis.Parse(raw)
	if result.Malformed {
		slog.Warn("Model response did not follow the output format", "user", email, "response_length", len(raw))
	}

	kind, risk := analysis.HistoryFields(result)
	if err := p.history.Record(ctx, email, kind, raw, risk); err != nil {
		slog.Error("Failed to record history", "error", err, "user", email)
	}

	stale := st.CompleteAnalysis(gen, result, images)
	p.publish(ctx, events.AnalysisCompleted{
		User:       email,
		Type:       kind,
		RiskLevel:  risk,
		Severity:   string(result.Bucket()),
		Malformed:  result.Malformed,
		ImageCount: len(images),
		OccurredAt: time.Now().UTC(),
	})

	if stale != nil {
		slog.Info("Discarding analysis result, session changed", "user", email, "type", kind)
		return domain.AnalysisResult{}, stale
	}

	slog.Info("Analysis completed",
		"user", email,
		"type", kind,
		"severity", string(result.Bucket()),
		"images", len(images))
	return result, nil
}

func (p *Pipeline) publish(ctx context.Context, ev events.AnalysisCompleted) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := p.publisher.Publish(ctx, ev); err != nil {
			slog.Warn("Failed to publish analysis event", "error", err, "user", ev.User)
		}
	}()
}

// Ask answers a follow-up question about the session's current result and
// appends both turns to the transcript. A reply that arrives after the
// result was discarded is dropped with session.ErrStale.
func (p *Pipeline) Ask(ctx context.Context, st *session.State, sessionID, channel, question string) (string, error) {
	email, ok := st.User()
	if !ok {
		return "", ErrNotLoggedIn
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}
	raw, images, gen, ok := st.Grounding()
	if !ok {
		return "", session.ErrNoResult
	}

	if err := st.AppendChat(gen, domain.RoleUser, question); err != nil {
		return "", err
	}
	p.logTurn(email, sessionID, channel, domain.RoleUser, question)

	reply := p.client.Chat(ctx, raw, images, question)

	if err := st.AppendChat(gen, domain.RoleAssistant, reply); err != nil {
		slog.Info("Discarding chat reply, session changed", "user", email, "session_id", sessionID)
		return "", err
	}
	p.logTurn(email, sessionID, channel, domain.RoleAssistant, reply)
	return reply, nil
}

func (p *Pipeline) logTurn(email, sessionID, channel, role, content string) {
	eventType := "chat_user_message"
	if role == domain.RoleAssistant {
		eventType = "chat_assistant_message"
	}
	p.convLog.Log(analysis.ConversationLogEvent{
		User:       email,
		SessionID:  sessionID,
		Channel:    channel,
		Role:       role,
		EventType:  eventType,
		ContentRaw: content,
	})
}

// EndSession releases per-session resources after sign-out or expiry.
func (p *Pipeline) EndSession(sessionID string) {
	p.convLog.CloseSession(sessionID)
}
