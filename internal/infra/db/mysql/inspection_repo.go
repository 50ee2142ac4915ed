package mysql

import (
	"context"
	"database/sql"
	"time"

	domain "github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

type InspectionRepository struct {
	db *sql.DB
}

func NewInspectionRepository(db *sql.DB) *InspectionRepository {
	return &InspectionRepository{db: db}
}

// CreateSession insert header session baru
func (r *InspectionRepository) CreateSession(ctx context.Context, s *domain.Session) error {
	const q = `
INSERT INTO inspection_sessions
(id, tenant_id, site_name, site_address, status, started_at, ended_at, report_id)
VALUES (?,?,?,?,?,?,?,?);
`
	started := s.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := r.db.ExecContext(ctx, q,
		s.ID, stringOrDash(s.TenantID), s.SiteName, s.SiteAddress,
		stringOrDash(string(s.Status)), started, nullTime(s.EndedAt), s.ReportID,
	)
	return err
}

// UpdateSession writes the terminal status, end time and report link
func (r *InspectionRepository) UpdateSession(ctx context.Context, s *domain.Session) error {
	const q = `
UPDATE inspection_sessions
SET status = ?,
    ended_at = ?,
    report_id = ?
WHERE tenant_id = ? AND id = ?;`
	_, err := r.db.ExecContext(ctx, q,
		stringOrDash(string(s.Status)), nullTime(s.EndedAt), s.ReportID,
		stringOrDash(s.TenantID), s.ID,
	)
	return err
}

// GetSession by ID + Tenant; sql.ErrNoRows when missing
func (r *InspectionRepository) GetSession(ctx context.Context, tenant string, id domain.SessionID) (*domain.Session, error) {
	const q = `
SELECT id, tenant_id, site_name, site_address, status, started_at, ended_at, report_id
FROM inspection_sessions
WHERE tenant_id=? AND id=? LIMIT 1;
`
	var s domain.Session
	var ended sql.NullTime
	if err := r.db.QueryRowContext(ctx, q, tenant, id).Scan(
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

// InsertFinding simpan hazard yang di-tag, idempotent per (session, hazard)
func (r *InspectionRepository) InsertFinding(ctx context.Context, tenant string, sessionID domain.SessionID, h *domain.TaggedHazard) error {
	const q = `
INSERT INTO inspection_findings
(session_id, hazard_id, tenant_id, captured_at, elapsed_seconds,
 category, severity, title, description, location_hint, observation, confidence)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 category=VALUES(category), severity=VALUES(severity),
 title=VALUES(title), description=VALUES(description),
 observation=VALUES(observation), confidence=VALUES(confidence);
`
	_, err := r.db.ExecContext(ctx, q,
		sessionID, int(h.ID), stringOrDash(tenant), h.CapturedAt, h.ElapsedSeconds,
		string(h.Category), string(h.Severity), h.Title, h.Description, h.LocationHint,
		h.Observation, h.Confidence,
	)
	return err
}
