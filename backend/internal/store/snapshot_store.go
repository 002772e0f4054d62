package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// MySQL: Error 1062 Duplicate entry
const errDuplicateEntry = 1062

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveDocumentSnapshot 同一 (document_id, revision) 重复保存不算错误
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, revision, content)
		VALUES (?, ?, ?)`,
		docID,
		rev,
		content,
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *SnapshotStore) LatestDocumentSnapshot(ctx context.Context, docID string) (string, uint64, bool, error) {
	var (
		content string
		rev     uint64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content, revision FROM document_snapshots
		WHERE document_id = ? ORDER BY revision DESC LIMIT 1`,
		docID,
	).Scan(&content, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return content, rev, true, nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}
