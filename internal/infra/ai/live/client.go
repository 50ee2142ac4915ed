// Package live implements the streaming vision engine: a persistent
// websocket session with a setup handshake, realtime media input and
// server-pushed narration, audio and tool calls.
//
// Connection lifecycle:
//
//	Idle -> Connecting -> AwaitingAck -> Ready -> {Reconnecting, Closing} -> Closed
//
// Connect blocks until Ready or until the handshake fails. An unexpected
// close from AwaitingAck or Ready schedules a reconnect after a fixed delay,
// at most MaxReconnects times in a row; a normal close or Disconnect goes
// straight to Closed.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/ai"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/ai/prompt"
)

const (
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultReconnectDelay   = 2 * time.Second
	DefaultMaxReconnects    = 3

	writeTimeout = 5 * time.Second
	audioMIME    = "audio/pcm;rate=16000"
)

// State of the connection state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingAck
	StateReady
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Config struct {
	URL                string // ws(s) endpoint of the bidirectional session
	APIKey             string // sent as the "key" query parameter when set
	Model              string
	ResponseModalities []string // default TEXT
	SystemInstruction  string   // default prompt.VisionSystemInstruction
	HandshakeTimeout   time.Duration
	ReconnectDelay     time.Duration
	MaxReconnects      int
	Header             http.Header
}

func (c *Config) withDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnects < 0 {
		c.MaxReconnects = 0
	} else if c.MaxReconnects == 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if len(c.ResponseModalities) == 0 {
		c.ResponseModalities = []string{"TEXT"}
	}
	if c.SystemInstruction == "" {
		c.SystemInstruction = prompt.VisionSystemInstruction()
	}
}

// Stats are cumulative counters since the client was created.
type Stats struct {
	FramesSent    uint64
	FramesDropped uint64
	AudioSent     uint64
	AudioDropped  uint64
	Reconnects    uint64
	Malformed     uint64
}

// handshake is the single pending "connection established" continuation of
// one connection attempt. settle resolves it exactly once.
type handshake struct {
	gen   uint64
	done  chan struct{}
	once  sync.Once
	err   error
	timer *time.Timer
}

func (h *handshake) settle(err error) {
	h.once.Do(func() {
		if h.timer != nil {
			h.timer.Stop()
		}
		h.err = err
		close(h.done)
	})
}

type lossKind int

const (
	lossNormalClose lossKind = iota
	lossUnexpectedClose
	lossTransport
	lossHandshakeTimeout
	lossCancelled
)

// Client is the streaming implementation of ai.Engine.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	obs    ai.Observer
	log    zerolog.Logger

	mu         sync.Mutex
	state      State
	gen        uint64
	conn       *websocket.Conn
	pending    *handshake
	attempts   int
	retryTimer *time.Timer

	writeMu sync.Mutex

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
	audioSent     atomic.Uint64
	audioDropped  atomic.Uint64
	reconnects    atomic.Uint64
	malformed     atomic.Uint64
}

var _ ai.Engine = (*Client)(nil)

func NewClient(cfg Config, obs ai.Observer, log zerolog.Logger) *Client {
	cfg.withDefaults()
	if obs == nil {
		obs = ai.ObserverFuncs{}
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		obs:   obs,
		log:   log.With().Str("component", "live").Logger(),
		state: StateIdle,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool { return c.State() == StateReady }

func (c *Client) Stats() Stats {
	return Stats{
		FramesSent:    c.framesSent.Load(),
		FramesDropped: c.framesDropped.Load(),
		AudioSent:     c.audioSent.Load(),
		AudioDropped:  c.audioDropped.Load(),
		Reconnects:    c.reconnects.Load(),
		Malformed:     c.malformed.Load(),
	}
}

// Connect opens the session and blocks until the setup is acknowledged.
// It may be called from Idle or Closed only.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateClosed {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ai.ErrInvalidState, st)
	}
	c.attempts = 0
	hs := c.beginLocked()
	c.mu.Unlock()

	c.emit(StateConnecting)
	go c.attempt(hs)

	select {
	case <-hs.done:
		return hs.err
	case <-ctx.Done():
		select {
		case <-hs.done:
			return hs.err
		default:
		}
		c.lost(hs.gen, lossCancelled, ctx.Err())
		<-hs.done
		return hs.err
	}
}

// beginLocked starts a new connection attempt. c.mu must be held.
func (c *Client) beginLocked() *handshake {
	c.gen++
	c.state = StateConnecting
	hs := &handshake{gen: c.gen, done: make(chan struct{})}
	hs.timer = time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		c.lost(hs.gen, lossHandshakeTimeout, ai.ErrHandshakeTimeout)
	})
	c.pending = hs
	return hs
}

func (c *Client) attempt(hs *handshake) {
	dialCtx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.endpoint(), c.cfg.Header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.lost(hs.gen, lossTransport, fmt.Errorf("dial: %w", err))
		return
	}

	c.mu.Lock()
	if c.gen != hs.gen || c.state != StateConnecting {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.write(conn, clientMessage{Setup: c.setupMessage()}); err != nil {
		c.lost(hs.gen, lossTransport, fmt.Errorf("send setup: %w", err))
		return
	}

	c.mu.Lock()
	if c.gen != hs.gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateAwaitingAck
	c.mu.Unlock()
	c.emit(StateAwaitingAck)

	go c.readLoop(conn, hs.gen)
}

func (c *Client) endpoint() string {
	if c.cfg.APIKey == "" {
		return c.cfg.URL
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) setupMessage() *setup {
	model := c.cfg.Model
	if model != "" && !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	return &setup{
		Model:            model,
		GenerationConfig: &generationConfig{ResponseModalities: c.cfg.ResponseModalities},
		SystemInstruction: &content{
			Parts: []part{{Text: c.cfg.SystemInstruction}},
		},
		Tools: []tool{{
			FunctionDeclarations: []functionDeclaration{{
				Name:        prompt.ReportFindingTool,
				Description: prompt.ReportFindingDescription(),
				Parameters:  prompt.ReportFindingParameters(),
			}},
		}},
	}
}

// lost handles the end of connection generation gen. Events for stale
// generations or for connections that already left the active states are
// ignored, so each connection is accounted for once.
func (c *Client) lost(gen uint64, kind lossKind, cause error) {
	c.mu.Lock()
	prev := c.state
	if gen != c.gen || (prev != StateConnecting && prev != StateAwaitingAck && prev != StateReady) {
		c.mu.Unlock()
		return
	}

	retryable := false
	switch kind {
	case lossUnexpectedClose:
		retryable = prev == StateReady || prev == StateAwaitingAck || c.attempts > 0
	case lossTransport, lossHandshakeTimeout:
		retryable = c.attempts > 0
	}

	hs := c.pending
	c.pending = nil
	conn := c.conn
	c.conn = nil

	var terminal error
	next := StateClosed
	attempt := 0
	if retryable && c.attempts < c.cfg.MaxReconnects {
		c.attempts++
		attempt = c.attempts
		next = StateReconnecting
		c.retryTimer = time.AfterFunc(c.cfg.ReconnectDelay, func() { c.reconnect(gen) })
	} else if retryable {
		terminal = fmt.Errorf("%w after %d attempts: %v", ai.ErrRetriesExhausted, c.attempts, cause)
	} else if hs == nil && kind != lossNormalClose && kind != lossCancelled {
		terminal = cause
	}
	c.state = next
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if hs != nil {
		hs.settle(handshakeError(kind, cause))
	}

	ev := c.log.Info()
	if kind != lossNormalClose && kind != lossCancelled {
		ev = c.log.Warn().Err(cause)
	}
	ev.Str("from", prev.String()).Str("to", next.String()).Int("attempt", attempt).Msg("live: connection lost")

	c.emit(next)
	if terminal != nil {
		c.obs.OnError(terminal)
	}
}

func handshakeError(kind lossKind, cause error) error {
	switch kind {
	case lossNormalClose:
		return ai.ErrClosedDuringHandshake
	case lossUnexpectedClose:
		return fmt.Errorf("%w: %v", ai.ErrClosedDuringHandshake, cause)
	default:
		return cause
	}
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	hs := c.beginLocked()
	attempt := c.attempts
	c.mu.Unlock()

	c.reconnects.Add(1)
	c.log.Info().Int("attempt", attempt).Int("max", c.cfg.MaxReconnects).Msg("live: reconnecting")
	c.emit(StateConnecting)
	c.attempt(hs)
}

func (c *Client) ready(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateAwaitingAck {
		c.mu.Unlock()
		return
	}
	// attempts survive Ready: only Disconnect or a fresh Connect reset them
	c.state = StateReady
	hs := c.pending
	c.pending = nil
	c.mu.Unlock()

	if hs != nil {
		hs.settle(nil)
	}
	c.log.Info().Msg("live: setup acknowledged")
	c.emit(StateReady)
}

// Disconnect closes the session with a normal close code and suppresses any
// pending reconnect. Safe to call from any state.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateIdle {
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	}
	c.gen++
	c.state = StateClosing
	hs := c.pending
	c.pending = nil
	conn := c.conn
	c.conn = nil
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.attempts = 0
	c.mu.Unlock()

	c.emit(StateClosing)
	if hs != nil {
		hs.settle(ai.ErrDisconnected)
	}

	var err error
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = conn.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.emit(StateClosed)
	return err
}

func (c *Client) emit(s State) {
	c.log.Debug().Str("state", s.String()).Msg("live: state")
	c.obs.OnConnectionChange(s == StateReady)
}

func (c *Client) readyConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil
	}
	return c.conn
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Client) write(conn *websocket.Conn, msg clientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// SendFrame streams one video frame. Dropped unless Ready.
func (c *Client) SendFrame(_ context.Context, f ai.Frame) error {
	conn := c.readyConn()
	if conn == nil {
		c.framesDropped.Add(1)
		return nil
	}
	mime := f.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	err := c.write(conn, clientMessage{RealtimeInput: &realtimeInput{
		MediaChunks: []blob{{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(f.Data)}},
	}})
	if err != nil {
		c.framesDropped.Add(1)
		c.log.Debug().Err(err).Msg("live: frame write failed")
		return nil
	}
	c.framesSent.Add(1)
	return nil
}

// SendAudio streams one 16kHz PCM chunk. Dropped unless Ready.
func (c *Client) SendAudio(_ context.Context, chunk []byte) error {
	conn := c.readyConn()
	if conn == nil {
		c.audioDropped.Add(1)
		return nil
	}
	err := c.write(conn, clientMessage{RealtimeInput: &realtimeInput{
		MediaChunks: []blob{{MIMEType: audioMIME, Data: base64.StdEncoding.EncodeToString(chunk)}},
	}})
	if err != nil {
		c.audioDropped.Add(1)
		return nil
	}
	c.audioSent.Add(1)
	return nil
}

// SendMessage sends an operator text turn. Dropped unless Ready.
func (c *Client) SendMessage(_ context.Context, text string) error {
	conn := c.readyConn()
	if conn == nil {
		return nil
	}
	return c.write(conn, clientMessage{ClientContent: &clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: true,
	}})
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	var turn strings.Builder
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.flushTurn(gen, &turn)
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				c.lost(gen, lossNormalClose, nil)
			} else {
				c.lost(gen, lossUnexpectedClose, fmt.Errorf("%w: %v", ai.ErrClosedUnexpectedly, err))
			}
			return
		}
		c.handle(conn, gen, data, &turn)
	}
}

func (c *Client) handle(conn *websocket.Conn, gen uint64, data []byte, turn *strings.Builder) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.malformedMessage(gen, err)
		return
	}

	switch {
	case msg.SetupComplete != nil:
		c.ready(gen)
	case msg.ServerContent != nil:
		c.handleContent(gen, msg.ServerContent, turn)
	case msg.ToolCall != nil:
		c.flushTurn(gen, turn)
		c.handleToolCall(conn, gen, msg.ToolCall)
	case msg.Error != nil:
		if c.current(gen) {
			c.obs.OnError(fmt.Errorf("%w: %d %s", ai.ErrServer, msg.Error.Code, msg.Error.Message))
		}
	default:
		c.log.Debug().Int("bytes", len(data)).Msg("live: ignoring unknown server message")
	}
}

func (c *Client) handleContent(gen uint64, sc *serverContent, turn *strings.Builder) {
	if !c.current(gen) {
		return
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.Text != "" {
				turn.WriteString(p.Text)
			}
			if p.InlineData != nil && p.InlineData.Data != "" {
				audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					c.malformedMessage(gen, fmt.Errorf("inline data: %w", err))
					continue
				}
				c.obs.OnAudio(p.InlineData.MIMEType, audio)
			}
		}
	}
	if sc.TurnComplete || sc.Interrupted {
		c.flushTurn(gen, turn)
	}
}

func (c *Client) flushTurn(gen uint64, turn *strings.Builder) {
	text := strings.TrimSpace(turn.String())
	turn.Reset()
	if text == "" || !c.current(gen) {
		return
	}
	c.obs.OnNarration(text)
}

// handleToolCall maps report_finding calls to hazards and always answers
// with a tool response so the model can finish its turn.
func (c *Client) handleToolCall(conn *websocket.Conn, gen uint64, tc *toolCall) {
	if !c.current(gen) {
		return
	}
	responses := make([]functionResponse, 0, len(tc.FunctionCalls))
	for _, fc := range tc.FunctionCalls {
		resp := functionResponse{ID: fc.ID, Name: fc.Name}
		if fc.Name != prompt.ReportFindingTool {
			resp.Response = map[string]any{"error": "unknown function " + fc.Name}
			c.log.Warn().Str("function", fc.Name).Msg("live: unknown tool call")
			responses = append(responses, resp)
			continue
		}
		report, err := prompt.ParseReportFinding(fc.Args)
		if err != nil {
			resp.Response = map[string]any{"error": err.Error()}
			c.malformedMessage(gen, err)
			responses = append(responses, resp)
			continue
		}
		c.obs.OnHazard(report)
		resp.Response = map[string]any{"result": "recorded"}
		responses = append(responses, resp)
	}
	if err := c.write(conn, clientMessage{ToolResponse: &toolResponse{FunctionResponses: responses}}); err != nil {
		c.log.Warn().Err(err).Msg("live: tool response failed")
	}
}

func (c *Client) malformedMessage(gen uint64, err error) {
	c.malformed.Add(1)
	c.log.Warn().Err(err).Msg("live: malformed server message")
	if c.current(gen) {
		c.obs.OnError(fmt.Errorf("%w: %v", ai.ErrMalformedMessage, err))
	}
}
