package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore keeps one row per document holding the latest snapshot.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context, docID string) ([]byte, int64, error) {
	const query = `SELECT state, version FROM document_snapshots WHERE doc_id = $1`
	var blob []byte
	var version int64
	err := s.db.QueryRowContext(ctx, query, docID).Scan(&blob, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load snapshot %s: %w", docID, err)
	}
	return blob, version, nil
}

func (s *PostgresStore) Save(ctx context.Context, docID string, blob []byte, version int64) error {
	// The version guard keeps a stale writer (e.g. a session that lost a
	// registry race during failover) from clobbering a newer snapshot.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_snapshots (doc_id, state, version, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (doc_id) DO UPDATE
			SET state = EXCLUDED.state, version = EXCLUDED.version, updated_at = NOW()
			WHERE document_snapshots.version <= EXCLUDED.version
	`, docID, blob, version)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", docID, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
