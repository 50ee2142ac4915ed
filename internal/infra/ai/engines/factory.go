package engines

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/bryanwahyu/automaton-inspect/internal/config"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/ai"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/ai/live"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/ai/polling"
)

var ErrUnknownMode = errors.New("unknown engine mode")

// Factory builds one engine per inspection session. Both backends share the
// same Observer contract, so callers only pick a mode name.
type Factory struct {
	cfg    *config.Config
	log    zerolog.Logger
	vision polling.Completer
}

func NewFactory(cfg *config.Config, log zerolog.Logger) *Factory {
	f := &Factory{cfg: cfg, log: log}
	if cfg.OpenAI.APIKey != "" {
		oc := goopenai.DefaultConfig(cfg.OpenAI.APIKey)
		if cfg.OpenAI.BaseURL != "" {
			oc.BaseURL = cfg.OpenAI.BaseURL
		}
		f.vision = goopenai.NewClientWithConfig(oc)
	}
	return f
}

// Build returns the engine for mode; "" selects the configured default.
func (f *Factory) Build(mode string, obs ai.Observer) (ai.Engine, error) {
	if mode == "" {
		mode = f.cfg.Engine.Mode
	}
	log := f.log.With().Str("engine", mode).Logger()

	switch mode {
	case config.EngineStreaming:
		if f.cfg.Live.URL == "" {
			return nil, fmt.Errorf("%w: streaming engine has no live.url", ErrUnknownMode)
		}
		return live.NewClient(live.Config{
			URL:                f.cfg.Live.URL,
			APIKey:             f.cfg.Live.APIKey,
			Model:              f.cfg.Live.Model,
			ResponseModalities: f.cfg.Live.ResponseModalities,
			HandshakeTimeout:   f.cfg.Engine.HandshakeTimeout,
			ReconnectDelay:     f.cfg.Engine.ReconnectDelay,
			MaxReconnects:      f.cfg.Engine.MaxReconnects,
		}, obs, log), nil
	case config.EnginePolling:
		if f.vision == nil {
			return nil, fmt.Errorf("%w: polling engine needs an OpenAI API key", ErrUnknownMode)
		}
		return polling.New(f.vision, polling.Config{
			Model:        f.cfg.OpenAI.VisionModel,
			HistoryLimit: f.cfg.Engine.HistoryLimit,
		}, obs, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}
