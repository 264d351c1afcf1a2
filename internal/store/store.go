// Package store persists computed Results across runs, keyed by the
// asset identity triple and the executor identity string.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/vqtools/qrun/internal/model"
)

// Store is the persistent result cache. Implementations must be safe
// for concurrent use from multiple workers.
type Store interface {
	// Load returns the stored result or model.ErrNotFound.
	Load(ctx context.Context, id model.AssetID, executorID string) (model.Result, error)
	// Save stores the result. Saving the same key again overwrites.
	Save(ctx context.Context, result model.Result) error
	// Delete removes the stored result. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, id model.AssetID, executorID string) error
}

// SQLite keeps results in a single sqlite table, scores serialized as
// a JSON blob. The pure Go driver needs no cgo.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens or creates the result database at dbPath.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	// busy_timeout makes concurrent workers wait for the write lock
	// instead of failing with SQLITE_BUSY
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening result db %s: %w", dbPath, err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dataset TEXT NOT NULL,
			content_id INTEGER NOT NULL,
			asset_id INTEGER NOT NULL,
			executor_id TEXT NOT NULL,
			asset TEXT NOT NULL,
			scores TEXT NOT NULL,
			UNIQUE (dataset, content_id, asset_id, executor_id)
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating results table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Load(ctx context.Context, id model.AssetID, executorID string) (model.Result, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT asset, scores FROM results
		 WHERE dataset=? AND content_id=? AND asset_id=? AND executor_id=?`,
		id.Dataset, id.ContentID, id.AssetID, executorID,
	)

	var assetJSON, scoresJSON []byte
	err := row.Scan(&assetJSON, &scoresJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Result{}, model.ErrNotFound
	case err != nil:
		return model.Result{}, fmt.Errorf("executing sql query failed: %w", err)
	}

	result := model.Result{ExecutorID: executorID}
	if err := json.Unmarshal(assetJSON, &result.Asset); err != nil {
		return model.Result{}, fmt.Errorf("decoding stored asset: %w", err)
	}
	if err := json.Unmarshal(scoresJSON, &result.Scores); err != nil {
		return model.Result{}, fmt.Errorf("decoding stored scores: %w", err)
	}
	return result, nil
}

func (s *SQLite) Save(ctx context.Context, result model.Result) error {
	assetJSON, err := json.Marshal(result.Asset)
	if err != nil {
		return fmt.Errorf("encoding asset: %w", err)
	}
	scoresJSON, err := json.Marshal(result.Scores)
	if err != nil {
		return fmt.Errorf("encoding scores: %w", err)
	}

	id := result.Asset.ID
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (dataset, content_id, asset_id, executor_id, asset, scores)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT (dataset, content_id, asset_id, executor_id)
		 DO UPDATE SET asset=excluded.asset, scores=excluded.scores`,
		id.Dataset, id.ContentID, id.AssetID, result.ExecutorID, assetJSON, scoresJSON,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id model.AssetID, executorID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM results
		 WHERE dataset=? AND content_id=? AND asset_id=? AND executor_id=?`,
		id.Dataset, id.ContentID, id.AssetID, executorID,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	return nil
}
