package handoff

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bryanwahyu/automaton-inspect/internal/application"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
	"github.com/bryanwahyu/automaton-inspect/internal/observability"
)

// Analyzer hands a finished session's snapshot to the reasoning backend.
// Analyze never fails: every remote failure degrades to analysis.Fallback.
type Analyzer struct {
	Reasoner analysis.Reasoner // nil disables the remote stage
	Clock    application.Clock
	Timeout  time.Duration // 0 = rely on the caller's context
	Log      zerolog.Logger
}

func NewAnalyzer(r analysis.Reasoner, timeout time.Duration, log zerolog.Logger) *Analyzer {
	return &Analyzer{Reasoner: r, Clock: application.SystemClock{}, Timeout: timeout, Log: log}
}

func (a *Analyzer) now() time.Time {
	if a.Clock == nil {
		return time.Now()
	}
	return a.Clock.Now()
}

// Analyze returns the remote analysis, or the deterministic fallback.
func (a *Analyzer) Analyze(ctx context.Context, snap *inspection.Snapshot) (res *analysis.ComplianceAnalysis) {
	ctx, span := observability.StartSpan(ctx, "handoff.analyze")
	span.SetAttributes(
		attribute.String("session.id", string(snap.Session.ID)),
		attribute.Int("session.hazards", len(snap.Hazards)),
	)
	defer func() {
		span.SetAttributes(
			attribute.String("analysis.origin", string(res.Origin)),
			attribute.String("analysis.risk", string(res.OverallRiskLevel)),
		)
		span.End()
	}()

	log := observability.WithTrace(ctx, a.Log).With().
		Str("session_id", string(snap.Session.ID)).
		Int("hazards", len(snap.Hazards)).
		Logger()

	if a.Reasoner == nil {
		log.Info().Msg("handoff: no reasoning backend configured, using fallback")
		return analysis.Fallback(snap, a.now())
	}

	res, err := a.remote(ctx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reasoning backend failed")
		log.Warn().Err(err).Msg("handoff: reasoning backend failed, using fallback")
		return analysis.Fallback(snap, a.now())
	}

	log.Info().Str("risk", string(res.OverallRiskLevel)).Int("score", res.RiskScore).Msg("handoff: remote analysis received")
	return res
}

func (a *Analyzer) remote(ctx context.Context, snap *inspection.Snapshot) (res *analysis.ComplianceAnalysis, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("reasoner panic: %v", p)
		}
	}()

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	res, err = a.Reasoner.Reason(ctx, snap)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("reasoner returned no analysis")
	}
	if !res.OverallRiskLevel.Valid() {
		return nil, fmt.Errorf("reasoner returned invalid risk level %q", res.OverallRiskLevel)
	}

	out := *res
	out.Origin = analysis.OriginRemote
	out.SessionID = snap.Session.ID
	if out.GeneratedAt.IsZero() {
		out.GeneratedAt = a.now()
	}
	return &out, nil
}
