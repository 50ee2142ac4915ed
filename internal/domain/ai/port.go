package ai

import (
	"context"
	"time"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

// Frame is one compressed camera sample.
type Frame struct {
	Data       []byte
	MIMEType   string
	CapturedAt time.Time
}

// Engine turns frames and operator questions into narration and hazard
// events delivered to its Observer. The streaming and polling backends both
// implement it; call sites never branch on which one is active.
type Engine interface {
	// Connect blocks until the engine can accept frames.
	Connect(ctx context.Context) error
	// SendFrame submits a frame. Frames the engine cannot take right now are
	// dropped, never queued.
	SendFrame(ctx context.Context, f Frame) error
	// SendMessage submits a free-text operator question.
	SendMessage(ctx context.Context, text string) error
	// Disconnect stops the engine; no reconnect happens afterwards.
	Disconnect() error
	Connected() bool
}

// Observer receives engine events. Implementations must not block for long:
// events are delivered from the engine's reader goroutine.
type Observer interface {
	OnNarration(text string)
	OnAudio(mimeType string, data []byte)
	OnHazard(r inspection.HazardReport)
	OnConnectionChange(connected bool)
	OnError(err error)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are ignored.
type ObserverFuncs struct {
	Narration        func(text string)
	Audio            func(mimeType string, data []byte)
	Hazard           func(r inspection.HazardReport)
	ConnectionChange func(connected bool)
	Error            func(err error)
}

func (o ObserverFuncs) OnNarration(text string) {
	if o.Narration != nil {
		o.Narration(text)
	}
}

func (o ObserverFuncs) OnAudio(mimeType string, data []byte) {
	if o.Audio != nil {
		o.Audio(mimeType, data)
	}
}

func (o ObserverFuncs) OnHazard(r inspection.HazardReport) {
	if o.Hazard != nil {
		o.Hazard(r)
	}
}

func (o ObserverFuncs) OnConnectionChange(connected bool) {
	if o.ConnectionChange != nil {
		o.ConnectionChange(connected)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}
