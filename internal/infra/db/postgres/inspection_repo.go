package postgres

import (
	"context"
	"database/sql"
	"time"

	domain "github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

type InspectionRepository struct{ db *sql.DB }

func NewInspectionRepository(db *sql.DB) *InspectionRepository { return &InspectionRepository{db: db} }

func (r *InspectionRepository) CreateSession(ctx context.Context, s *domain.Session) error {
	const q = `
INSERT INTO inspection_sessions
(id, tenant_id, site_name, site_address, status, started_at, ended_at, report_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`

	started := s.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := r.db.ExecContext(ctx, q,
		string(s.ID), stringOrDash(s.TenantID), s.SiteName, s.SiteAddress,
		stringOrDash(string(s.Status)), started, nullTime(s.EndedAt), s.ReportID,
	)
	return err
}

func (r *InspectionRepository) UpdateSession(ctx context.Context, s *domain.Session) error {
	const q = `
UPDATE inspection_sessions
SET status = $1, ended_at = $2, report_id = $3
WHERE tenant_id = $4 AND id = $5;`
	_, err := r.db.ExecContext(ctx, q,
		stringOrDash(string(s.Status)), nullTime(s.EndedAt), s.ReportID,
		stringOrDash(s.TenantID), string(s.ID),
	)
	return err
}

// GetSession by ID + Tenant; sql.ErrNoRows when missing
func (r *InspectionRepository) GetSession(ctx context.Context, tenant string, id domain.SessionID) (*domain.Session, error) {
	const q = `
SELECT id, tenant_id, site_name, site_address, status, started_at, ended_at, report_id
FROM inspection_sessions
WHERE tenant_id=$1 AND id=$2 LIMIT 1;`

	var s domain.Session
	var ended sql.NullTime
	if err := r.db.QueryRowContext(ctx, q, tenant, string(id)).Scan(
		&s.ID, &s.TenantID, &s.SiteName, &s.SiteAddress, &s.Status, &s.StartedAt, &ended, &s.ReportID,
	); err != nil {
		return nil, err
	}
	s.TenantID = dashToEmpty(s.TenantID)
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return &s, nil
}

func (r *InspectionRepository) InsertFinding(ctx context.Context, tenant string, sessionID domain.SessionID, h *domain.TaggedHazard) error {
	const q = `
INSERT INTO inspection_findings
(session_id, hazard_id, tenant_id, captured_at, elapsed_seconds,
 category, severity, title, description, location_hint, observation, confidence)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (session_id, hazard_id) DO UPDATE SET
 category = EXCLUDED.category,
 severity = EXCLUDED.severity,
 title = EXCLUDED.title,
 description = EXCLUDED.description,
 observation = EXCLUDED.observation,
 confidence = EXCLUDED.confidence;`

	_, err := r.db.ExecContext(ctx, q,
		string(sessionID), int(h.ID), stringOrDash(tenant), h.CapturedAt, h.ElapsedSeconds,
		string(h.Category), string(h.Severity), h.Title, h.Description, h.LocationHint,
		h.Observation, h.Confidence,
	)
	return err
}
