package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/xeipuuv/gojsonschema"

	// SQLite driver
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	fields TEXT NOT NULL,
	PRIMARY KEY (collection, id)
)`

// SQLiteStorage is a Storage persisting documents in a SQLite database
type SQLiteStorage struct {
	collectionOperator
	db *sql.DB
}

// NewSQLiteStorage define a new SQLiteStorage backed by the database at dbPath
func NewSQLiteStorage(
	dbPath string, collections []string, schemas map[string]*gojsonschema.Schema,
) (*SQLiteStorage, error) {
	logTags := log.Fields{"module": "storage", "component": "sqlite", "instance": dbPath}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open database")
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Single writer connection keeps SQLITE_BUSY out of the mutation path
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to execute '%s'", stmt)
			_ = db.Close()
			return nil, err
		}
	}
	instance := &SQLiteStorage{
		collectionOperator: newCollectionOperator(logTags, collections, schemas),
		db:                 db,
	}
	instance.backend = instance
	return instance, nil
}

func (s *SQLiteStorage) fetch(
	ctxt context.Context, collection, id string,
) (json.RawMessage, bool, error) {
	var fields string
	err := s.db.QueryRowContext(
		ctxt, "SELECT fields FROM documents WHERE collection = ? AND id = ?", collection, id,
	).Scan(&fields)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(fields), true, nil
}

func (s *SQLiteStorage) store(
	ctxt context.Context, collection, id string, fields json.RawMessage,
) error {
	_, err := s.db.ExecContext(
		ctxt,
		`INSERT INTO documents (collection, id, fields) VALUES (?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET fields = excluded.fields`,
		collection, id, string(fields),
	)
	return err
}

func (s *SQLiteStorage) erase(ctxt context.Context, collection, id string) (bool, error) {
	result, err := s.db.ExecContext(
		ctxt, "DELETE FROM documents WHERE collection = ? AND id = ?", collection, id,
	)
	if err != nil {
		return false, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStorage) list(ctxt context.Context, collection string) ([]Item, error) {
	rows, err := s.db.QueryContext(
		ctxt, "SELECT id, fields FROM documents WHERE collection = ? ORDER BY id", collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Item{}
	for rows.Next() {
		var id, fields string
		if err := rows.Scan(&id, &fields); err != nil {
			return nil, err
		}
		result = append(result, Item{ID: id, Fields: json.RawMessage(fields)})
	}
	return result, rows.Err()
}

// Close release the store's resources
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
