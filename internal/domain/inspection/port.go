package inspection

import "context"

// Repository port (interface untuk persistence)
// Only stores what the pipeline produces; the pipeline never reads it back
// for correctness.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, tenant string, id SessionID) (*Session, error)
	InsertFinding(ctx context.Context, tenant string, sessionID SessionID, h *TaggedHazard) error
}

// EvidenceStore port (interface untuk penyimpanan bukti)
type EvidenceStore interface {
	PutObject(ctx context.Context, key, contentType string, data []byte) (string, error)
}
