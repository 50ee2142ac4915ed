package analysis

import (
	"context"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

// Reasoner is the deep-reasoning backend. Implementations may fail in any
// way; the hand-off service turns failures into a fallback analysis.
type Reasoner interface {
	Reason(ctx context.Context, snap *inspection.Snapshot) (*ComplianceAnalysis, error)
}

// Repository port for persisting and querying hand-off results
type Repository interface {
	Save(ctx context.Context, r *Record) error
	Paginate(ctx context.Context, tenant string, page, pageSize int) ([]*Record, error)
	LatestBySession(ctx context.Context, tenant string, sessionID inspection.SessionID) (*Record, error)
}
