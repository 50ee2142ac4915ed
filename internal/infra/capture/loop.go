// Package capture drives periodic frame sampling into a vision engine.
package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/ai"
)

const DefaultInterval = time.Second

// Sink receives captured frames; ai.Engine satisfies it.
type Sink interface {
	SendFrame(ctx context.Context, f ai.Frame) error
}

type LoopStats struct {
	Ticks    uint64 `json:"ticks"`
	Sent     uint64 `json:"sent"`
	Skipped  uint64 `json:"skipped"`  // previous cycle still outstanding
	Disabled uint64 `json:"disabled"` // engine not connected
	Empty    uint64 `json:"empty"`    // source had nothing
	Errors   uint64 `json:"errors"`
}

// Loop ticks at a fixed interval regardless of how long analysis takes.
// A tick that arrives while the previous capture/send cycle is still
// outstanding is skipped, never queued.
type Loop struct {
	src      Source
	sink     Sink
	interval time.Duration
	log      zerolog.Logger

	// OnFrame, if set, sees every frame handed to the sink.
	OnFrame func(ai.Frame)
	// OnExhausted, if set, runs once when the source returns io.EOF.
	OnExhausted func()

	enabled  atomic.Bool
	inFlight atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	cycles  sync.WaitGroup
	eofOnce sync.Once

	ticks, sent, skipped, disabled, empty, errs atomic.Uint64
}

func NewLoop(src Source, sink Sink, interval time.Duration, log zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		src:      src,
		sink:     sink,
		interval: interval,
		log:      log.With().Str("component", "capture").Logger(),
	}
}

// SetEnabled gates sending; wired to the engine's connection changes.
func (l *Loop) SetEnabled(on bool) { l.enabled.Store(on) }

func (l *Loop) Enabled() bool { return l.enabled.Load() }

// Start begins ticking. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Stop halts ticking and waits for an outstanding cycle to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.cycles.Wait()
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one capture decision. Exported so callers with their own clock
// (tests, replay at full speed) can drive the loop.
func (l *Loop) Tick(ctx context.Context) {
	l.ticks.Add(1)
	if !l.enabled.Load() {
		l.disabled.Add(1)
		return
	}
	if !l.inFlight.CompareAndSwap(false, true) {
		l.skipped.Add(1)
		return
	}
	l.cycles.Add(1)
	go func() {
		defer l.cycles.Done()
		defer l.inFlight.Store(false)
		l.cycle(ctx)
	}()
}

func (l *Loop) cycle(ctx context.Context) {
	f, err := l.src.Capture(ctx)
	switch {
	case errors.Is(err, io.EOF):
		l.empty.Add(1)
		l.eofOnce.Do(func() {
			l.log.Info().Msg("capture: source exhausted")
			if l.OnExhausted != nil {
				l.OnExhausted()
			}
		})
		return
	case errors.Is(err, ErrNoFrame):
		l.empty.Add(1)
		return
	case err != nil:
		l.errs.Add(1)
		l.log.Warn().Err(err).Msg("capture: frame capture failed")
		return
	}

	if l.OnFrame != nil {
		l.OnFrame(f)
	}
	if err := l.sink.SendFrame(ctx, f); err != nil {
		l.errs.Add(1)
		l.log.Warn().Err(err).Msg("capture: send frame failed")
		return
	}
	l.sent.Add(1)
}

// Wait blocks until in-flight cycles have finished.
func (l *Loop) Wait() { l.cycles.Wait() }

func (l *Loop) Stats() LoopStats {
	return LoopStats{
		Ticks:    l.ticks.Load(),
		Sent:     l.sent.Load(),
		Skipped:  l.skipped.Load(),
		Disabled: l.disabled.Load(),
		Empty:    l.empty.Load(),
		Errors:   l.errs.Load(),
	}
}
