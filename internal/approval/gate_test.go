package approval

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/metrics"
	"github.com/fyrsmithlabs/orbitd/internal/secrets"
	"github.com/fyrsmithlabs/orbitd/internal/store"
)

type harness struct {
	mem  *store.Memory
	gate *Gate
	sub  <-chan events.Event
	m    *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, err := events.Subscribe(ctx, mem, "p1")
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	opts = append(opts, WithMetrics(m))
	return &harness{
		mem:  mem,
		gate: New(mem, events.NewPublisher(mem, nil), cfg, opts...),
		sub:  sub,
		m:    m,
	}
}

// answerNext answers the next question event with answer.
func (h *harness) answerNext(t *testing.T, answer string) <-chan events.Event {
	t.Helper()
	seen := make(chan events.Event, 1)
	go func() {
		for ev := range h.sub {
			if ev.Type != events.Question {
				continue
			}
			seen <- ev
			qid, _ := ev.Payload["question_id"].(string)
			_ = h.gate.SubmitAnswer(context.Background(), "p1", qid, answer)
			return
		}
	}()
	return seen
}

func fastConfig() Config {
	return Config{Timeout: 2 * time.Second, PollInterval: 20 * time.Millisecond}
}

func TestRequestApproval_Approve(t *testing.T) {
	h := newHarness(t, fastConfig())
	seen := h.answerNext(t, ChoiceApprove)

	d, err := h.gate.RequestApproval(context.Background(), "p1", "Bash", map[string]any{"command": "go test ./..."})
	require.NoError(t, err)
	assert.True(t, d.Approved())

	ev := <-seen
	assert.Equal(t, "Bash", ev.Payload["tool"])
	assert.Equal(t, []any{"Approve", "Reject", "Modify plan"}, ev.Payload["choices"])

	// Both records are consumed.
	qid := ev.Payload["question_id"].(string)
	_, err = h.mem.Get(context.Background(), store.QuestionKey("p1", qid))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.mem.Get(context.Background(), store.AnswerKey("p1", qid))
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.ApprovalsTotal.WithLabelValues("approved")))
}

func TestRequestApproval_Denied(t *testing.T) {
	for _, answer := range []string{ChoiceReject, ChoiceModify} {
		t.Run(answer, func(t *testing.T) {
			h := newHarness(t, fastConfig())
			h.answerNext(t, answer)

			d, err := h.gate.RequestApproval(context.Background(), "p1", "Edit", nil)
			require.NoError(t, err)
			assert.False(t, d.Approved())
			assert.Equal(t, Decision(answer), d)
		})
	}
}

func TestRequestApproval_Timeout(t *testing.T) {
	h := newHarness(t, Config{Timeout: 100 * time.Millisecond, PollInterval: 20 * time.Millisecond})

	start := time.Now()
	_, err := h.gate.RequestApproval(context.Background(), "p1", "Write", nil)
	assert.ErrorIs(t, err, ErrApprovalTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	ev := <-h.sub
	qid := ev.Payload["question_id"].(string)
	err = h.gate.SubmitAnswer(context.Background(), "p1", qid, ChoiceApprove)
	assert.ErrorIs(t, err, ErrQuestionNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.ApprovalsTotal.WithLabelValues("timeout")))
}

func TestRequestApproval_WatchWakesBeforePoll(t *testing.T) {
	h := newHarness(t, Config{Timeout: 5 * time.Second, PollInterval: time.Hour})
	h.answerNext(t, ChoiceApprove)

	start := time.Now()
	d, err := h.gate.RequestApproval(context.Background(), "p1", "Git", nil)
	require.NoError(t, err)
	assert.True(t, d.Approved())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRequestApproval_ContextCancelled(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.gate.RequestApproval(ctx, "p1", "Bash", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestApproval_Unavailable(t *testing.T) {
	var nilGate *Gate
	_, err := nilGate.RequestApproval(context.Background(), "p1", "Bash", nil)
	assert.ErrorIs(t, err, ErrGateUnavailable)

	mem := store.NewMemory()
	defer mem.Close()
	broken := New(mem, events.NewPublisher(failingPubSub{}, nil), fastConfig())
	_, err = broken.RequestApproval(context.Background(), "p1", "Bash", nil)
	assert.ErrorIs(t, err, ErrGateUnavailable)

	_, err = New(failingKV{mem}, events.NewPublisher(mem, nil), fastConfig()).
		RequestApproval(context.Background(), "p1", "Bash", nil)
	assert.ErrorIs(t, err, ErrGateUnavailable)
}

type failingPubSub struct{ store.PubSub }

func (failingPubSub) Publish(context.Context, string, []byte) error { return errors.New("down") }

type failingKV struct{ *store.Memory }

func (failingKV) Set(context.Context, string, []byte, time.Duration) (uint64, error) {
	return 0, errors.New("down")
}

func TestSubmitAnswer(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()
	q := Question{ID: "q1", ProjectID: "p1", Prompt: "?", Choices: ApprovalChoices}
	data, _ := json.Marshal(q)
	_, err := h.mem.Set(ctx, store.QuestionKey("p1", "q1"), data, time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, h.gate.SubmitAnswer(ctx, "p1", "q1", "Maybe"), ErrInvalidChoice)
	require.NoError(t, h.gate.SubmitAnswer(ctx, "p1", "q1", ChoiceReject))
	assert.ErrorIs(t, h.gate.SubmitAnswer(ctx, "p1", "q1", ChoiceApprove), ErrAlreadyAnswered)
	assert.ErrorIs(t, h.gate.SubmitAnswer(ctx, "p1", "missing", ChoiceApprove), ErrQuestionNotFound)

	e, err := h.mem.Get(ctx, store.AnswerKey("p1", "q1"))
	require.NoError(t, err)
	assert.Contains(t, string(e.Value), ChoiceReject)
}

func TestAsk(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.answerNext(t, "Settings page")

	answer, err := h.gate.Ask(context.Background(), "p1", "Where should the toggle go?", []string{"Header", "Settings page"})
	require.NoError(t, err)
	assert.Equal(t, "Settings page", answer)

	_, err = h.gate.Ask(context.Background(), "p1", "?", []string{"one"})
	assert.Error(t, err)
}

func TestIsRisky(t *testing.T) {
	g := New(nil, nil, Config{})
	assert.True(t, g.IsRisky("bash"))
	assert.True(t, g.IsRisky("EDIT"))
	assert.True(t, g.IsRisky("TestGenerator"))
	assert.False(t, g.IsRisky("Read"))

	custom := New(nil, nil, Config{RiskyTools: []string{"Read"}})
	assert.True(t, custom.IsRisky("read"))
	assert.False(t, custom.IsRisky("Bash"))

	var nilGate *Gate
	assert.True(t, nilGate.IsRisky("Write"))
}

func TestRequestApproval_RedactsSummary(t *testing.T) {
	redactor, err := secrets.NewRedactor(secrets.Options{Enabled: true})
	require.NoError(t, err)
	h := newHarness(t, fastConfig(), WithRedactor(redactor))
	seen := h.answerNext(t, ChoiceReject)

	token := "ghp_" + strings.Repeat("A1b2C3d4E5", 3) + "f6G7h8"
	_, err = h.gate.RequestApproval(context.Background(), "p1", "Bash", map[string]any{
		"command": "GITHUB_TOKEN=" + token + " gh pr list",
	})
	require.NoError(t, err)

	ev := <-seen
	assert.NotContains(t, ev.Payload["input"], token)
	assert.NotContains(t, ev.Payload["prompt"], token)
}

func TestSummarize_TruncatesOnRuneBoundary(t *testing.T) {
	g := New(nil, nil, Config{})
	got := g.summarize(map[string]any{"content": strings.Repeat("界", maxSummaryLen)})
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "... (truncated)"))
	assert.LessOrEqual(t, len(got), maxSummaryLen+len("\n... (truncated)"))
}
