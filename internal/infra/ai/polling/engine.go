// Package polling implements the request/response vision engine: every
// captured frame is one chat-completion call with the report_finding tool
// attached. A call still in flight causes new frames to be dropped.
package polling

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/ai"
	aiopenai "github.com/bryanwahyu/automaton-inspect/internal/infra/ai/openai"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/ai/prompt"
)

const (
	DefaultModel        = "gpt-4o"
	DefaultHistoryLimit = 10
	DefaultTimeout      = 30 * time.Second

	temperature = 0.2
	maxTokens   = 1024
)

// Completer is the slice of *openai.Client the engine needs.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Config struct {
	Model        string
	HistoryLimit int           // question/answer exchanges kept
	Timeout      time.Duration // per call
}

type exchange struct {
	question string
	answer   string
}

type Stats struct {
	Analyzed uint64
	Dropped  uint64
	Failed   uint64
}

// Engine is the polling implementation of ai.Engine.
type Engine struct {
	api Completer
	cfg Config
	obs ai.Observer
	log zerolog.Logger

	connected atomic.Bool
	busy      atomic.Bool

	mu        sync.Mutex
	history   []exchange
	lastFrame *ai.Frame

	analyzed atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

var _ ai.Engine = (*Engine)(nil)

func New(api Completer, cfg Config, obs ai.Observer, log zerolog.Logger) *Engine {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if obs == nil {
		obs = ai.ObserverFuncs{}
	}
	return &Engine{
		api: api,
		cfg: cfg,
		obs: obs,
		log: log.With().Str("component", "polling").Str("model", cfg.Model).Logger(),
	}
}

// Connect has no transport to open; it only marks the engine usable.
func (e *Engine) Connect(context.Context) error {
	if e.connected.Swap(true) {
		return nil
	}
	e.obs.OnConnectionChange(true)
	return nil
}

func (e *Engine) Disconnect() error {
	if !e.connected.Swap(false) {
		return nil
	}
	e.obs.OnConnectionChange(false)
	return nil
}

func (e *Engine) Connected() bool { return e.connected.Load() }

func (e *Engine) Stats() Stats {
	return Stats{Analyzed: e.analyzed.Load(), Dropped: e.dropped.Load(), Failed: e.failed.Load()}
}

// SendFrame analyses f synchronously. It returns immediately, without a
// call, when the engine is disconnected or another call is in flight.
func (e *Engine) SendFrame(ctx context.Context, f ai.Frame) error {
	if !e.connected.Load() {
		e.dropped.Add(1)
		return nil
	}
	if !e.busy.CompareAndSwap(false, true) {
		e.dropped.Add(1)
		e.log.Debug().Msg("polling: analysis in flight, frame dropped")
		return nil
	}
	defer e.busy.Store(false)

	e.mu.Lock()
	fc := f
	e.lastFrame = &fc
	e.mu.Unlock()

	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt.VisionSystemInstruction()},
		userTurn(prompt.FrameInstruction(), &f),
	}
	if _, err := e.complete(ctx, "frame", msgs); err != nil {
		e.fail(err)
	}
	return nil
}

// SendMessage answers an operator question with the recent exchanges and
// the most recent frame as context.
func (e *Engine) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" || !e.connected.Load() {
		return nil
	}

	e.mu.Lock()
	msgs := make([]openai.ChatCompletionMessage, 0, 2+2*len(e.history))
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: prompt.VisionSystemInstruction()})
	for _, ex := range e.history {
		msgs = append(msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: ex.question},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: ex.answer},
		)
	}
	var frame *ai.Frame
	if e.lastFrame != nil {
		fc := *e.lastFrame
		frame = &fc
	}
	e.mu.Unlock()
	msgs = append(msgs, userTurn(text, frame))

	answer, err := e.complete(ctx, "question", msgs)
	if err != nil {
		e.fail(err)
		return nil
	}

	e.mu.Lock()
	e.history = append(e.history, exchange{question: text, answer: answer})
	if over := len(e.history) - e.cfg.HistoryLimit; over > 0 {
		e.history = append([]exchange(nil), e.history[over:]...)
	}
	e.mu.Unlock()
	return nil
}

// HistoryLen reports how many exchanges are retained.
func (e *Engine) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

func (e *Engine) complete(ctx context.Context, purpose string, msgs []openai.ChatCompletionMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        prompt.ReportFindingTool,
				Description: prompt.ReportFindingDescription(),
				Parameters:  prompt.ReportFindingParameters(),
			},
		}},
	}

	start := time.Now()
	resp, err := e.api.CreateChatCompletion(ctx, req)
	aiopenai.RecordCall(ctx, purpose, e.cfg.Model, time.Since(start), err)
	if err != nil {
		return "", aiopenai.MapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	e.analyzed.Add(1)

	msg := resp.Choices[0].Message
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name != prompt.ReportFindingTool {
			e.log.Warn().Str("function", tc.Function.Name).Msg("polling: unknown tool call ignored")
			continue
		}
		report, err := prompt.ParseReportFinding([]byte(tc.Function.Arguments))
		if err != nil {
			e.log.Warn().Err(err).Msg("polling: bad report_finding arguments")
			e.obs.OnError(fmt.Errorf("%w: %v", ai.ErrMalformedMessage, err))
			continue
		}
		e.obs.OnHazard(report)
	}

	text := strings.TrimSpace(msg.Content)
	if text != "" {
		e.obs.OnNarration(text)
	}
	return text, nil
}

func (e *Engine) fail(err error) {
	e.failed.Add(1)
	e.log.Warn().Err(err).Msg("polling: analysis failed")
	e.obs.OnError(fmt.Errorf("%w: %w", ai.ErrAnalysisFailed, err))
}

func userTurn(text string, f *ai.Frame) openai.ChatCompletionMessage {
	if f == nil || len(f.Data) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	}
	mime := f.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: text},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(f.Data),
					Detail: openai.ImageURLDetailLow,
				},
			},
		},
	}
}
