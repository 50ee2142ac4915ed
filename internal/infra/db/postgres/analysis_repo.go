package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

type AnalysisRepository struct{ db *sql.DB }

func NewAnalysisRepository(db *sql.DB) *AnalysisRepository { return &AnalysisRepository{db: db} }

// Save inserts or updates an analysis record
func (r *AnalysisRepository) Save(ctx context.Context, a *analysis.Record) error {
	const q = `
INSERT INTO inspection_analyses
  (id, tenant_id, session_id, origin, risk_level, risk_score, file_url, result_json, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  origin=EXCLUDED.origin,
  risk_level=EXCLUDED.risk_level,
  risk_score=EXCLUDED.risk_score,
  file_url=EXCLUDED.file_url,
  result_json=EXCLUDED.result_json;
`
	result := a.Result
	if strings.TrimSpace(result) == "" {
		result = "{}"
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, q,
		string(a.ID), stringOrDash(a.TenantID), string(a.SessionID), string(a.Origin), string(a.RiskLevel),
		a.RiskScore, stringOrDash(a.FileURL), result, createdAt,
	)
	return err
}

// Paginate returns a page of analysis records ordered by created_at desc
func (r *AnalysisRepository) Paginate(ctx context.Context, tenant string, page, pageSize int) ([]*analysis.Record, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	const q = `
SELECT id, tenant_id, session_id, origin, risk_level, risk_score, file_url, result_json, created_at
FROM inspection_analyses
WHERE tenant_id=$1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3;
`
	rows, err := r.db.QueryContext(ctx, q, tenant, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*analysis.Record
	for rows.Next() {
		var a analysis.Record
		if err := rows.Scan(&a.ID, &a.TenantID, &a.SessionID, &a.Origin, &a.RiskLevel, &a.RiskScore,
			&a.FileURL, &a.Result, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.TenantID, a.FileURL = dashToEmpty(a.TenantID), dashToEmpty(a.FileURL)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// LatestBySession returns the latest analysis for a given session
func (r *AnalysisRepository) LatestBySession(ctx context.Context, tenant string, sessionID inspection.SessionID) (*analysis.Record, error) {
	const q = `
SELECT id, tenant_id, session_id, origin, risk_level, risk_score, file_url, result_json, created_at
FROM inspection_analyses
WHERE tenant_id=$1 AND session_id=$2
ORDER BY created_at DESC, id DESC
LIMIT 1;
`
	var a analysis.Record
	if err := r.db.QueryRowContext(ctx, q, tenant, string(sessionID)).Scan(&a.ID, &a.TenantID, &a.SessionID,
		&a.Origin, &a.RiskLevel, &a.RiskScore, &a.FileURL, &a.Result, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.TenantID, a.FileURL = dashToEmpty(a.TenantID), dashToEmpty(a.FileURL)
	return &a, nil
}
