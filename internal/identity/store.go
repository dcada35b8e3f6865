package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hitoshi/crmigrate/internal/model"
)

// Store は実行をまたいでIDマップを永続化するSQLiteストア。
// 再実行時に同じレガシーIDへ同じ移行先IDを割り当てるために使用する。
type Store struct {
	db *sql.DB
}

// OpenStore はpathのSQLiteデータベースを開き（なければ作成し）、テーブルを用意する。
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	const ddl = `CREATE TABLE IF NOT EXISTS identity_map (
		entity_type    TEXT NOT NULL,
		legacy_id      TEXT NOT NULL,
		destination_id TEXT NOT NULL,
		created_at     INTEGER NOT NULL,
		PRIMARY KEY (entity_type, legacy_id)
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create identity_map table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close はデータベースを閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Load は保存済みの対応をすべてRemapperに読み込み、件数を返す。
func (s *Store) Load(ctx context.Context, r *Remapper) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_type, legacy_id, destination_id FROM identity_map`)
	if err != nil {
		return 0, fmt.Errorf("failed to query identity_map: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var entity, legacyID, destID string
		if err := rows.Scan(&entity, &legacyID, &destID); err != nil {
			return n, fmt.Errorf("failed to scan identity_map row: %w", err)
		}
		r.Seed(model.EntityType(entity), legacyID, destID)
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("failed to iterate identity_map: %w", err)
	}
	return n, nil
}

// Save は対応を保存する。既存の対応は上書きしない（INSERT OR IGNORE）。
func (s *Store) Save(ctx context.Context, mappings []Mapping) error {
	if len(mappings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO identity_map
		(entity_type, legacy_id, destination_id, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, m := range mappings {
		if _, err := stmt.ExecContext(ctx, string(m.Entity), m.LegacyID, m.DestinationID, now); err != nil {
			return fmt.Errorf("failed to save mapping %s/%s: %w", m.Entity, m.LegacyID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit identity mappings: %w", err)
	}
	return nil
}
