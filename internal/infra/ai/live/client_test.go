package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/ai"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

type recorder struct {
	mu         sync.Mutex
	narration  []string
	hazards    []inspection.HazardReport
	errs       []error
	changes    []bool
	audioBytes int
}

func (r *recorder) OnNarration(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.narration = append(r.narration, text)
}

func (r *recorder) OnAudio(_ string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioBytes += len(data)
}

func (r *recorder) OnHazard(h inspection.HazardReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hazards = append(r.hazards, h)
}

func (r *recorder) OnConnectionChange(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, connected)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) narrations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.narration...)
}

func (r *recorder) hazardReports() []inspection.HazardReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]inspection.HazardReport(nil), r.hazards...)
}

// fakeBackend runs handle for every accepted websocket; n is the 1-based
// connection number.
type fakeBackend struct {
	srv   *httptest.Server
	dials atomic.Int32
}

func newFakeBackend(t *testing.T, handle func(n int, conn *websocket.Conn)) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(fb.dials.Add(1))
		handle(n, conn)
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func readSetup(t *testing.T, conn *websocket.Conn) clientMessage {
	t.Helper()
	var msg clientMessage
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		return msg
	}
	_ = conn.SetReadDeadline(time.Time{})
	return msg
}

func ack(conn *websocket.Conn) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
}

func closeWith(conn *websocket.Conn, code int) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
}

// drain keeps reading until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		Model:            "vision-live",
		HandshakeTimeout: 2 * time.Second,
		ReconnectDelay:   20 * time.Millisecond,
		MaxReconnects:    3,
	}
}

func TestConnect_ReadyAfterSetupAck(t *testing.T) {
	var setupMsg atomic.Pointer[clientMessage]
	fb := newFakeBackend(t, func(_ int, conn *websocket.Conn) {
		msg := readSetup(t, conn)
		setupMsg.Store(&msg)
		_ = ack(conn)
		drain(conn)
	})

	rec := &recorder{}
	c := NewClient(testConfig(fb.url()), rec, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })

	assert.Equal(t, StateReady, c.State())
	assert.True(t, c.Connected())

	got := setupMsg.Load()
	require.NotNil(t, got)
	require.NotNil(t, got.Setup)
	assert.Equal(t, "models/vision-live", got.Setup.Model)
	require.Len(t, got.Setup.Tools, 1)
	assert.Equal(t, "report_finding", got.Setup.Tools[0].FunctionDeclarations[0].Name)
	assert.Equal(t, []string{"TEXT"}, got.Setup.GenerationConfig.ResponseModalities)
}

func TestConnect_RejectsWhenAlreadyActive(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, conn *websocket.Conn) {
		readSetup(t, conn)
		_ = ack(conn)
		drain(conn)
	})
	c := NewClient(testConfig(fb.url()), nil, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ai.ErrInvalidState)
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, conn *websocket.Conn) {
		readSetup(t, conn)
		drain(conn)
	})

	cfg := testConfig(fb.url())
	cfg.HandshakeTimeout = 150 * time.Millisecond
	rec := &recorder{}
	c := NewClient(cfg, rec, zerolog.Nop())

	start := time.Now()
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ai.ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, rec.errors(), "a caller-visible failure is not reported twice")
}

func TestConnect_NormalCloseDuringHandshake(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, conn *websocket.Conn) {
		readSetup(t, conn)
		closeWith(conn, websocket.CloseNormalClosure)
	})

	c := NewClient(testConfig(fb.url()), nil, zerolog.Nop())
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ai.ErrClosedDuringHandshake)
	assert.Equal(t, StateClosed, c.State())
	assert.EqualValues(t, 1, fb.dials.Load())
}

func TestConnect_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	rec := &recorder{}
	c := NewClient(testConfig(url), rec, zerolog.Nop())
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ai.ErrRetriesExhausted)
	assert.Equal(t, StateClosed, c.State())
	assert.EqualValues(t, 0, c.Stats().Reconnects)
}

func TestConnect_ContextCancelled(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, conn *websocket.Conn) {
		readSetup(t, conn)
		drain(conn)
	})
	c := NewClient(testConfig(fb.url()), nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateClosed, c.State())
}

func TestSendFrame_DroppedUntilReady(t *testing.T) {
	var mediaFrames atomic.Int32
	fb := newFakeBackend(t, func(_ int, conn *websocket.Conn) {
		readSetup(t, conn)
		_ = ack(conn)
		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.RealtimeInput != nil {
				mediaFrames.Add(int32(len(msg.RealtimeInput.MediaChunks)))
			}
		}
	})

	c := NewClient(testConfig(fb.url()), nil, zerolog.Nop())
	frame := ai.Frame{Data: []byte{0xff, 0xd8, 0xff}, MIMEType: "image/jpeg"}
	for i := 0; i < 3; i++ {
		require.NoError(t, c.SendFrame(context.Background(), frame))
	}

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })
	require.NoError(t, c.SendFrame(context.Background(), frame))

	assert.Eventually(t, func() bool { return mediaFrames.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, mediaFrames.Load(), "frames sent before ready must never be flushed later")

	st := c.Stats()
	assert.EqualValues(t, 1, st.FramesSent)
	assert.EqualValues(t, 3, st.FramesDropped)
}

func TestReconnect_UnexpectedClosesThenNormalClose(t *testing.T) {
	fb := newFakeBackend(t, func(n int, conn *websocket.Conn) {
		readSetup(t, conn)
		_ = ack(conn)
		time.Sleep(20 * time.Millisecond)
		if n < 3 {
			closeWith(conn, websocket.CloseInternalServerErr)
		} else {
			closeWith(conn, websocket.CloseNormalClosure)
		}
		drain(conn)
	})

	rec := &recorder{}
	c := NewClient(testConfig(fb.url()), rec, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return c.State() == StateClosed && fb.dials.Load() == 3
	}, 5*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 2, c.Stats().Reconnects)
	assert.Empty(t, rec.errors())
}

func TestReconnect_ExhaustedAfterMaxAttempts(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, conn *websocket.Conn) {
		readSetup(t, conn)
		closeWith(conn, websocket.CloseInternalServerErr)
		drain(conn)
	})

	rec := &recorder{}
	c := NewClient(testConfig(fb.url()), rec, zerolog.Nop())
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ai.ErrClosedDuringHandshake)

	assert.Eventually(t, func() bool {
		return c.State() == StateClosed && len(rec.errors()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 4, fb.dials.Load())
	assert.EqualValues(t, 3, c.Stats().Reconnects)
	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ai.ErrRetriesExhausted)
}

func TestReconnect_AckThenDropStillExhausts(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, conn *websocket.Conn) {
		readSetup(t, conn)
		_ = ack(conn)
		time.Sleep(5 * time.Millisecond)
		closeWith(conn, websocket.CloseInternalServerErr)
		drain(conn)
	})

	rec := &recorder{}
	c := NewClient(testConfig(fb.url()), rec, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return c.State() == StateClosed && len(rec.errors()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	// stays closed: no reconnect storm after the attempts run out
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateClosed, c.State())
	assert.EqualValues(t, 4, fb.dials.Load())
	assert.EqualValues(t, 3, c.Stats().Reconnects)
	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ai.ErrRetriesExhausted)

	// a fresh Connect starts counting from zero again
	require.NoError(t, c.Connect(context.Background()))
	assert.Eventually(t, func() bool { return fb.dials.Load() == 8 && c.State() == StateClosed }, 5*time.Second, 10*time.Millisecond)
}

func TestDisconnect_SuppressesPendingReconnect(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, conn *websocket.Conn) {
		readSetup(t, conn)
		_ = ack(conn)
		closeWith(conn, websocket.CloseInternalServerErr)
		drain(conn)
	})

	cfg := testConfig(fb.url())
	cfg.ReconnectDelay = 300 * time.Millisecond
	c := NewClient(cfg, nil, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))

	assert.Eventually(t, func() bool { return c.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Disconnect())
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, StateClosed, c.State())
	assert.EqualValues(t, 1, fb.dials.Load())
}

func TestDisconnect_SendsNormalClose(t *testing.T) {
	closeCode := make(chan int, 1)
	fb := newFakeBackend(t, func(_ int, conn *websocket.Conn) {
		readSetup(t, conn)
		_ = ack(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					closeCode <- ce.Code
				} else {
					closeCode <- -1
				}
				return
			}
		}
	})

	rec := &recorder{}
	c := NewClient(testConfig(fb.url()), rec, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect())

	select {
	case code := <-closeCode:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close frame")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, rec.errors())

	// sends after disconnect are silently dropped
	require.NoError(t, c.SendFrame(context.Background(), ai.Frame{Data: []byte{1}}))
	assert.EqualValues(t, 1, c.Stats().FramesDropped)
}

func TestToolCall_BecomesHazardAndIsAcknowledged(t *testing.T) {
	response := make(chan functionResponse, 1)
	fb := newFakeBackend(t, func(_ int, conn *websocket.Conn) {
		readSetup(t, conn)
		_ = ack(conn)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"toolCall":{"functionCalls":[{"id":"call-1","name":"report_finding","args":{"category":"safety","severity":"critical","title":"Blocked fire exit","description":"Pallets stacked against the exit door","location_hint":"loading dock"}}]}}`))
		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.ToolResponse != nil && len(msg.ToolResponse.FunctionResponses) > 0 {
				response <- msg.ToolResponse.FunctionResponses[0]
			}
		}
	})

	rec := &recorder{}
	c := NewClient(testConfig(fb.url()), rec, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })

	select {
	case fr := <-response:
		assert.Equal(t, "call-1", fr.ID)
		assert.Equal(t, "report_finding", fr.Name)
		assert.Equal(t, "recorded", fr.Response["result"])
	case <-time.After(2 * time.Second):
		t.Fatal("tool call was not acknowledged")
	}

	hz := rec.hazardReports()
	require.Len(t, hz, 1)
	assert.Equal(t, inspection.CategorySafety, hz[0].Category)
	assert.Equal(t, inspection.SeverityCritical, hz[0].Severity)
	assert.Equal(t, "Blocked fire exit", hz[0].Title)
	assert.Equal(t, "loading dock", hz[0].LocationHint)
}

func TestMalformedMessage_ConnectionContinues(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, conn *websocket.Conn) {
		readSetup(t, conn)
		_ = ack(conn)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"modelTurn":{"parts":[{"text":"Wet floor "}]}}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"modelTurn":{"parts":[{"text":"near the stairs."}]},"turnComplete":true}}`))
		drain(conn)
	})

	rec := &recorder{}
	c := NewClient(testConfig(fb.url()), rec, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })

	assert.Eventually(t, func() bool { return len(rec.narrations()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Wet floor near the stairs.", rec.narrations()[0])
	assert.True(t, c.Connected())
	assert.EqualValues(t, 1, c.Stats().Malformed)

	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ai.ErrMalformedMessage)
}

func TestSetupMessage_Serialization(t *testing.T) {
	c := NewClient(Config{URL: "ws://example.invalid", Model: "models/live-1", APIKey: "k"}, nil, zerolog.Nop())
	raw, err := json.Marshal(clientMessage{Setup: c.setupMessage()})
	require.NoError(t, err)

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "models/live-1", decoded["setup"]["model"])
	assert.Contains(t, decoded["setup"], "systemInstruction")
	assert.Equal(t, "ws://example.invalid?key=k", c.endpoint())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_ack", StateAwaitingAck.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(99).String())
}
