package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/pinnote/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	user_id       TEXT    NOT NULL,
	id            TEXT    NOT NULL,
	content       TEXT    NOT NULL DEFAULT '',
	tags          TEXT    NOT NULL DEFAULT '[]',
	position      TEXT,
	visual_state  TEXT,
	last_modified INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, id)
);

CREATE INDEX IF NOT EXISTS idx_notes_user_modified ON notes(user_id, last_modified);
`

// SQLite is a Durable backed by a SQLite database. All rows are scoped
// to a single user id.
type SQLite struct {
	conn   *sql.DB
	userID string
}

var _ Durable = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database and applies the schema.
func OpenSQLite(dsn, userID string) (*SQLite, error) {
	if userID == "" {
		return nil, fmt.Errorf("storage: user id is required")
	}
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLite{conn: conn, userID: userID}, nil
}

// LoadAll returns every note of the user. Malformed JSON columns fall back
// to defaults instead of failing the load.
func (s *SQLite) LoadAll(ctx context.Context) (map[string]models.Note, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, content, tags, position, visual_state, last_modified
		FROM notes
		WHERE user_id = ?
	`, s.userID)
	if err != nil {
		return nil, fmt.Errorf("storage: load all: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.Note)
	for rows.Next() {
		var (
			id                         string
			content, tags, pos, visual sql.NullString
			lastModified               sql.NullInt64
		)
		if err := rows.Scan(&id, &content, &tags, &pos, &visual, &lastModified); err != nil {
			return nil, fmt.Errorf("storage: scan note: %w", err)
		}

		r := record{ID: &id}
		if content.Valid {
			r.Content = &content.String
		}
		if tags.Valid {
			_ = json.Unmarshal([]byte(tags.String), &r.Tags)
		}
		if pos.Valid {
			var p models.Position
			if json.Unmarshal([]byte(pos.String), &p) == nil {
				r.Position = &p
			}
		}
		if visual.Valid {
			var v models.VisualState
			if json.Unmarshal([]byte(visual.String), &v) == nil {
				r.VisualState = &v
			}
		}
		if lastModified.Valid {
			r.LastModified = &lastModified.Int64
		}

		n, err := r.normalize("")
		if err != nil {
			continue
		}
		out[n.ID] = n
	}
	return out, rows.Err()
}

// Save upserts n. A stored row with a newer last_modified is kept.
func (s *SQLite) Save(ctx context.Context, n models.Note) error {
	if n.ID == "" {
		return ErrInvalidID
	}
	tags, _ := json.Marshal(models.NormalizeTags(n.Tags))
	pos, _ := json.Marshal(n.Position)
	visual, _ := json.Marshal(n.VisualState)

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO notes (user_id, id, content, tags, position, visual_state, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET
			content       = excluded.content,
			tags          = excluded.tags,
			position      = excluded.position,
			visual_state  = excluded.visual_state,
			last_modified = excluded.last_modified
		WHERE excluded.last_modified >= notes.last_modified
	`, s.userID, n.ID, n.Content, string(tags), string(pos), string(visual), n.LastModified)
	if err != nil {
		return fmt.Errorf("storage: save note %s: %w", n.ID, err)
	}
	return nil
}

// Delete removes the note with the given id.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM notes WHERE user_id = ? AND id = ?`, s.userID, id); err != nil {
		return fmt.Errorf("storage: delete note %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}
