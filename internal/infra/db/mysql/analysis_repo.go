package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

type AnalysisRepository struct {
	db *sql.DB
}

func NewAnalysisRepository(db *sql.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

const analysisColumns = `id, tenant_id, session_id, origin, risk_level, risk_score, file_url, result_json, created_at`

// Save inserts an analysis record
func (r *AnalysisRepository) Save(ctx context.Context, a *analysis.Record) error {
	const q = `
INSERT INTO inspection_analyses
  (` + analysisColumns + `)
VALUES (?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
  origin=VALUES(origin), risk_level=VALUES(risk_level), risk_score=VALUES(risk_score),
  file_url=VALUES(file_url), result_json=VALUES(result_json);
`
	// Ensure non-nullable fields have safe defaults
	result := a.Result
	if strings.TrimSpace(result) == "" {
		// result_json column requires valid JSON; use empty object
		result = "{}"
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, q,
		a.ID, stringOrDash(a.TenantID), a.SessionID, string(a.Origin), string(a.RiskLevel), a.RiskScore,
		stringOrDash(a.FileURL), result, createdAt,
	)
	return err
}

// Paginate returns a page of analysis records ordered by created_at desc
func (r *AnalysisRepository) Paginate(ctx context.Context, tenant string, page, pageSize int) ([]*analysis.Record, error) {
	limit, offset := pageOffset(page, pageSize)
	const q = `
SELECT ` + analysisColumns + `
FROM inspection_analyses
WHERE tenant_id=?
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?;
`
	rows, err := r.db.QueryContext(ctx, q, tenant, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*analysis.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestBySession returns the newest record for a session; sql.ErrNoRows when none
func (r *AnalysisRepository) LatestBySession(ctx context.Context, tenant string, sessionID inspection.SessionID) (*analysis.Record, error) {
	const q = `
SELECT ` + analysisColumns + `
FROM inspection_analyses
WHERE tenant_id=? AND session_id=?
ORDER BY created_at DESC, id DESC
LIMIT 1;
`
	return scanRecord(r.db.QueryRowContext(ctx, q, tenant, sessionID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*analysis.Record, error) {
	var a analysis.Record
	if err := row.Scan(&a.ID, &a.TenantID, &a.SessionID, &a.Origin, &a.RiskLevel, &a.RiskScore,
		&a.FileURL, &a.Result, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.TenantID = dashToEmpty(a.TenantID)
	a.FileURL = dashToEmpty(a.FileURL)
	return &a, nil
}
