package polling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/ai"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

type fakeCompleter struct {
	mu    sync.Mutex
	calls []openai.ChatCompletionRequest
	fn    func(n int, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(n, req)
}

func (f *fakeCompleter) requests() []openai.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openai.ChatCompletionRequest(nil), f.calls...)
}

func reply(content string, calls ...openai.ToolCall) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content, ToolCalls: calls},
	}}}
}

type events struct {
	mu        sync.Mutex
	narration []string
	hazards   []inspection.HazardReport
	errs      []error
}

func (ev *events) observer() ai.Observer {
	return ai.ObserverFuncs{
		Narration: func(s string) { ev.mu.Lock(); ev.narration = append(ev.narration, s); ev.mu.Unlock() },
		Hazard:    func(r inspection.HazardReport) { ev.mu.Lock(); ev.hazards = append(ev.hazards, r); ev.mu.Unlock() },
		Error:     func(err error) { ev.mu.Lock(); ev.errs = append(ev.errs, err); ev.mu.Unlock() },
	}
}

var jpeg = ai.Frame{Data: []byte{0xff, 0xd8, 0xff, 0xe0}, MIMEType: "image/jpeg"}

func connected(t *testing.T, api Completer, cfg Config, obs ai.Observer) *Engine {
	t.Helper()
	e := New(api, cfg, obs, zerolog.Nop())
	require.NoError(t, e.Connect(context.Background()))
	return e
}

func TestSendFrame_MapsToolCallsToHazards(t *testing.T) {
	api := &fakeCompleter{fn: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return reply("Exposed wiring on the left wall.", openai.ToolCall{
			ID:   "c1",
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      "report_finding",
				Arguments: `{"category":"safety","severity":"high","title":"Exposed wiring","description":"Live conductors visible"}`,
			},
		}), nil
	}}
	ev := &events{}
	e := connected(t, api, Config{}, ev.observer())

	require.NoError(t, e.SendFrame(context.Background(), jpeg))

	require.Len(t, ev.hazards, 1)
	assert.Equal(t, inspection.SeverityHigh, ev.hazards[0].Severity)
	assert.Equal(t, "Exposed wiring", ev.hazards[0].Title)
	assert.Equal(t, []string{"Exposed wiring on the left wall."}, ev.narration)

	reqs := api.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.InDelta(t, 0.2, req.Temperature, 0.001)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "report_finding", req.Tools[0].Function.Name)
	user := req.Messages[len(req.Messages)-1]
	require.Len(t, user.MultiContent, 2)
	assert.Contains(t, user.MultiContent[1].ImageURL.URL, "data:image/jpeg;base64,")
	assert.Equal(t, openai.ImageURLDetailLow, user.MultiContent[1].ImageURL.Detail)
}

func TestSendFrame_DropsWhileBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	api := &fakeCompleter{fn: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		started <- struct{}{}
		<-release
		return reply("ok"), nil
	}}
	e := connected(t, api, Config{}, nil)

	done := make(chan struct{})
	go func() {
		_ = e.SendFrame(context.Background(), jpeg)
		close(done)
	}()
	<-started

	for i := 0; i < 5; i++ {
		require.NoError(t, e.SendFrame(context.Background(), jpeg))
	}
	close(release)
	<-done

	assert.Len(t, api.requests(), 1)
	assert.EqualValues(t, 5, e.Stats().Dropped)

	// busy flag is released after the call
	require.NoError(t, e.SendFrame(context.Background(), jpeg))
	assert.Len(t, api.requests(), 2)
}

func TestSendFrame_FailureDoesNotAffectNextFrame(t *testing.T) {
	api := &fakeCompleter{fn: func(n int, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		if n == 1 {
			return openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: 500, Message: "boom"}
		}
		return reply("Clear walkway."), nil
	}}
	ev := &events{}
	e := connected(t, api, Config{}, ev.observer())

	require.NoError(t, e.SendFrame(context.Background(), jpeg))
	require.NoError(t, e.SendFrame(context.Background(), jpeg))

	require.Len(t, ev.errs, 1)
	assert.ErrorIs(t, ev.errs[0], ai.ErrAnalysisFailed)
	assert.Equal(t, []string{"Clear walkway."}, ev.narration)
	assert.EqualValues(t, 1, e.Stats().Failed)
	assert.EqualValues(t, 1, e.Stats().Analyzed)
}

func TestSendFrame_QuotaErrorIsMapped(t *testing.T) {
	api := &fakeCompleter{fn: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}
	}}
	ev := &events{}
	e := connected(t, api, Config{}, ev.observer())

	require.NoError(t, e.SendFrame(context.Background(), jpeg))
	require.Len(t, ev.errs, 1)
	assert.ErrorIs(t, ev.errs[0], ai.ErrQuotaExceeded)
	assert.ErrorIs(t, ev.errs[0], ai.ErrAnalysisFailed)
}

func TestSendFrame_IgnoredWhenDisconnected(t *testing.T) {
	var calls atomic.Int32
	api := &fakeCompleter{fn: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		calls.Add(1)
		return reply(""), nil
	}}
	e := New(api, Config{}, nil, zerolog.Nop())

	require.NoError(t, e.SendFrame(context.Background(), jpeg))
	assert.Zero(t, calls.Load())
	assert.False(t, e.Connected())
}

func TestSendMessage_HistoryTrimmedOldestFirst(t *testing.T) {
	api := &fakeCompleter{fn: func(n int, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return reply("answer"), nil
	}}
	e := connected(t, api, Config{HistoryLimit: 2}, nil)

	for _, q := range []string{"q1", "q2", "q3"} {
		require.NoError(t, e.SendMessage(context.Background(), q))
	}
	assert.Equal(t, 2, e.HistoryLen())

	require.NoError(t, e.SendMessage(context.Background(), "q4"))
	reqs := api.requests()
	last := reqs[len(reqs)-1]
	// system + 2 kept exchanges + the new question
	require.Len(t, last.Messages, 6)
	assert.Equal(t, "q2", last.Messages[1].Content)
	assert.Equal(t, "q3", last.Messages[3].Content)
	assert.Equal(t, "q4", last.Messages[5].Content)
}

func TestSendMessage_AttachesLastFrame(t *testing.T) {
	api := &fakeCompleter{fn: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return reply("It is a fire extinguisher."), nil
	}}
	e := connected(t, api, Config{}, nil)

	require.NoError(t, e.SendFrame(context.Background(), jpeg))
	require.NoError(t, e.SendMessage(context.Background(), "What is on the wall?"))

	reqs := api.requests()
	q := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Len(t, q.MultiContent, 2)
	assert.Equal(t, "What is on the wall?", q.MultiContent[0].Text)
}

func TestSendMessage_FailedAnswerNotRemembered(t *testing.T) {
	api := &fakeCompleter{fn: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, errors.New("network down")
	}}
	e := connected(t, api, Config{Timeout: time.Second}, nil)

	require.NoError(t, e.SendMessage(context.Background(), "hello"))
	assert.Zero(t, e.HistoryLen())
}
