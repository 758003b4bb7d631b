// Package approval holds risky tool calls until a human answers.
//
// A question is written to the store with a TTL equal to the approval
// timeout and announced with a question event. The gate then waits for the
// answer key, polling at a fixed interval and waking early on a key watch
// notification. Answers are written create-if-absent, so the first answer
// wins. Both records are deleted once the waiter consumes the answer.
//
// Every failure path denies: a missing gate, a store error or a publish
// error returns ErrGateUnavailable and the tool does not run.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbitd/internal/config"
	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/logging"
	"github.com/fyrsmithlabs/orbitd/internal/metrics"
	"github.com/fyrsmithlabs/orbitd/internal/secrets"
	"github.com/fyrsmithlabs/orbitd/internal/store"
)

// Approval choices.
const (
	ChoiceApprove = "Approve"
	ChoiceReject  = "Reject"
	ChoiceModify  = "Modify plan"
)

// ApprovalChoices are offered for every risky tool call.
var ApprovalChoices = []string{ChoiceApprove, ChoiceReject, ChoiceModify}

const maxSummaryLen = 2000

var (
	// ErrApprovalTimeout is returned when nobody answered in time.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrGateUnavailable is returned when the gate cannot ask at all.
	ErrGateUnavailable = errors.New("approval gate unavailable")

	// ErrAlreadyAnswered is returned by SubmitAnswer for a second answer.
	ErrAlreadyAnswered = errors.New("question already answered")

	// ErrQuestionNotFound is returned by SubmitAnswer for unknown or
	// expired questions.
	ErrQuestionNotFound = errors.New("question not found")

	// ErrInvalidChoice is returned by SubmitAnswer for an answer that is
	// not one of the question's choices.
	ErrInvalidChoice = errors.New("answer is not one of the question's choices")
)

// Decision is the human's answer to an approval question.
type Decision string

// Approved reports whether the tool may run.
func (d Decision) Approved() bool { return string(d) == ChoiceApprove }

// Question is a pending question.
type Question struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Prompt    string    `json:"prompt"`
	Choices   []string  `json:"choices"`
	Tool      string    `json:"tool,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Answer is a recorded answer.
type Answer struct {
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answered_at"`
}

// Store is the subset of store.Store the gate uses.
type Store interface {
	store.KV
	store.Watcher
}

// Config configures a Gate.
type Config struct {
	Timeout      time.Duration
	PollInterval time.Duration
	RiskyTools   []string
}

// Gate asks humans to approve risky tool calls.
type Gate struct {
	store    Store
	events   *events.Publisher
	redactor *secrets.Redactor
	metrics  *metrics.Metrics
	logger   *logging.Logger
	cfg      Config
	risky    map[string]bool
	newID    func() string
	now      func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithRedactor redacts secrets from question summaries.
func WithRedactor(r *secrets.Redactor) Option { return func(g *Gate) { g.redactor = r } }

// WithMetrics records approval outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(g *Gate) { g.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(g *Gate) { g.logger = l } }

// New creates a Gate.
func New(st Store, pub *events.Publisher, cfg Config, opts ...Option) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RiskyTools == nil {
		cfg.RiskyTools = config.DefaultRiskyTools
	}
	g := &Gate{
		store:  st,
		events: pub,
		logger: logging.NewNop(),
		cfg:    cfg,
		risky:  riskySet(cfg.RiskyTools),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func riskySet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return set
}

var defaultRisky = riskySet(config.DefaultRiskyTools)

// IsRisky reports whether a tool needs approval. Names compare
// case-insensitively. A nil Gate uses the default risky set.
func (g *Gate) IsRisky(tool string) bool {
	if g == nil {
		return defaultRisky[strings.ToLower(tool)]
	}
	return g.risky[strings.ToLower(tool)]
}

// RequestApproval asks whether toolName may run with input and blocks
// until an answer, the timeout or ctx cancellation.
func (g *Gate) RequestApproval(ctx context.Context, projectID, toolName string, input map[string]any) (Decision, error) {
	if g == nil || g.store == nil {
		g.record("unavailable")
		return "", ErrGateUnavailable
	}
	summary := g.summarize(input)
	prompt := fmt.Sprintf("Allow %s to run?\n\n%s", toolName, summary)

	answer, err := g.ask(ctx, projectID, prompt, ApprovalChoices, toolName, map[string]any{
		"tool":  toolName,
		"input": summary,
	})
	switch {
	case errors.Is(err, ErrApprovalTimeout):
		g.record("timeout")
	case errors.Is(err, ErrGateUnavailable):
		g.record("unavailable")
	case err == nil && Decision(answer).Approved():
		g.record("approved")
	case err == nil:
		g.record("denied")
	}
	if err != nil {
		return "", err
	}
	return Decision(answer), nil
}

// Ask puts a free-form multiple-choice question to the user.
func (g *Gate) Ask(ctx context.Context, projectID, prompt string, choices []string) (string, error) {
	if g == nil || g.store == nil {
		return "", ErrGateUnavailable
	}
	if len(choices) < 2 || len(choices) > 4 {
		return "", fmt.Errorf("question needs 2 to 4 choices, got %d", len(choices))
	}
	return g.ask(ctx, projectID, g.redactor.Redact(prompt), choices, "", nil)
}

func (g *Gate) ask(ctx context.Context, projectID, prompt string, choices []string, tool string, extra map[string]any) (string, error) {
	q := Question{
		ID:        g.newID(),
		ProjectID: projectID,
		Prompt:    prompt,
		Choices:   choices,
		Tool:      tool,
		CreatedAt: g.now().UTC(),
	}
	data, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGateUnavailable, err)
	}

	qKey := store.QuestionKey(projectID, q.ID)
	if _, err := g.store.Set(ctx, qKey, data, g.cfg.Timeout); err != nil {
		g.logger.Warn(ctx, "approval question write failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrGateUnavailable, err)
	}

	payload := map[string]any{
		"question_id":     q.ID,
		"prompt":          q.Prompt,
		"choices":         q.Choices,
		"timeout_seconds": int(g.cfg.Timeout.Seconds()),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := g.events.Publish(ctx, projectID, events.Question, payload); err != nil {
		g.cleanup(projectID, q.ID)
		g.logger.Warn(ctx, "approval question publish failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrGateUnavailable, err)
	}

	return g.await(ctx, projectID, q.ID)
}

// await polls for the answer and wakes early on a watch signal.
func (g *Gate) await(ctx context.Context, projectID, questionID string) (string, error) {
	deadline := time.NewTimer(g.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	aKey := store.AnswerKey(projectID, questionID)
	signals, err := g.store.Watch(watchCtx, aKey)
	if err != nil {
		g.logger.Debug(ctx, "answer watch unavailable, polling only", zap.Error(err))
		signals = nil
	}

	for {
		if answer, ok := g.readAnswer(ctx, aKey); ok {
			g.cleanup(projectID, questionID)
			return answer, nil
		}
		select {
		case <-ctx.Done():
			g.cleanup(projectID, questionID)
			return "", ctx.Err()
		case <-deadline.C:
			// One last look in case the answer landed with the deadline.
			if answer, ok := g.readAnswer(ctx, aKey); ok {
				g.cleanup(projectID, questionID)
				return answer, nil
			}
			g.cleanup(projectID, questionID)
			return "", ErrApprovalTimeout
		case <-ticker.C:
		case _, ok := <-signals:
			if !ok {
				signals = nil
			}
		}
	}
}

func (g *Gate) readAnswer(ctx context.Context, key string) (string, bool) {
	e, err := g.store.Get(ctx, key)
	if err != nil {
		return "", false
	}
	var a Answer
	if err := json.Unmarshal(e.Value, &a); err != nil {
		return "", false
	}
	return a.Answer, true
}

// cleanup deletes both records. It uses a fresh context so cancellation
// of the waiter does not leave the question behind.
func (g *Gate) cleanup(projectID, questionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = g.store.Delete(ctx, store.QuestionKey(projectID, questionID))
	_ = g.store.Delete(ctx, store.AnswerKey(projectID, questionID))
}

// GetQuestion returns a pending question.
func (g *Gate) GetQuestion(ctx context.Context, projectID, questionID string) (*Question, error) {
	if g == nil || g.store == nil {
		return nil, ErrGateUnavailable
	}
	e, err := g.store.Get(ctx, store.QuestionKey(projectID, questionID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, err
	}
	var q Question
	if err := json.Unmarshal(e.Value, &q); err != nil {
		return nil, fmt.Errorf("decode question: %w", err)
	}
	return &q, nil
}

// SubmitAnswer records the answer to a pending question. Only the first
// answer is kept.
func (g *Gate) SubmitAnswer(ctx context.Context, projectID, questionID, answer string) error {
	q, err := g.GetQuestion(ctx, projectID, questionID)
	if err != nil {
		return err
	}
	if !slices.Contains(q.Choices, answer) {
		return fmt.Errorf("%w: %q", ErrInvalidChoice, answer)
	}
	data, err := json.Marshal(Answer{Answer: answer, AnsweredAt: g.now().UTC()})
	if err != nil {
		return err
	}
	_, err = g.store.Create(ctx, store.AnswerKey(projectID, questionID), data, g.cfg.Timeout)
	if errors.Is(err, store.ErrKeyExists) {
		return ErrAlreadyAnswered
	}
	if err != nil {
		return fmt.Errorf("record answer: %w", err)
	}
	return nil
}

func (g *Gate) summarize(input map[string]any) string {
	if len(input) == 0 {
		return "(no input)"
	}
	data, err := json.MarshalIndent(g.redactor.RedactMap(input), "", "  ")
	if err != nil {
		return "(unprintable input)"
	}
	s := string(data)
	if len(s) > maxSummaryLen {
		cut := maxSummaryLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "\n... (truncated)"
	}
	return s
}

func (g *Gate) record(decision string) {
	if g == nil {
		return
	}
	g.metrics.Approval(decision)
}
