package looksee

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// DB is the transcript store. It records debug turns for later inspection and
// is never read back into a running conversation.
type DB struct {
	mu sync.Mutex
	db *sql.DB

	filepath string

	now func() time.Time
}

// SessionInfo describes one run of the program.
type SessionInfo struct {
	Id          string
	ModelName   string
	ModelBase   string
	Backend     string
	ConvMode    string
	ImageSource string
	ImageWidth  int
	ImageHeight int
	StartedAt   time.Time
}

// StoredTurn is a TurnRecord as read back from the store.
type StoredTurn struct {
	Id        int
	SessionId string
	TurnRecord
	CreatedAt time.Time
}

func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.db.Close()
}

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("apply schema - %w", err)
	}

	return &DB{db: sqldb, filepath: fname, now: time.Now}, nil
}

// CreateSession stores info under a new random id and returns the id.
func (db *DB) CreateSession(ctx context.Context, info SessionInfo) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id := uuid.NewString()
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO sessions
		(id, model_name, model_base, backend, conv_mode, image_source, image_width, image_height, started_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		id, info.ModelName, info.ModelBase, info.Backend, info.ConvMode,
		info.ImageSource, info.ImageWidth, info.ImageHeight, db.now(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetSession returns the session with the given id.
func (db *DB) GetSession(ctx context.Context, id string) (*SessionInfo, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	row := db.db.QueryRowContext(ctx, `
		SELECT id, model_name, model_base, backend, conv_mode,
			   image_source, image_width, image_height, started_at
		FROM sessions
		WHERE id=?`, id)

	info := &SessionInfo{}
	err := row.Scan(
		&info.Id,
		&info.ModelName,
		&info.ModelBase,
		&info.Backend,
		&info.ConvMode,
		&info.ImageSource,
		&info.ImageWidth,
		&info.ImageHeight,
		&info.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// RecordTurn appends rec to the session's transcript.
func (db *DB) RecordTurn(ctx context.Context, sessionID string, rec TurnRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.db.ExecContext(ctx, `
		INSERT INTO turns
		(session_id, prompt, rendered_prompt, output, temperature, max_new_tokens, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		sessionID, rec.Prompt, rec.Rendered, rec.Outputs, rec.Temperature, rec.MaxNewTokens, db.now(),
	)
	return err
}

// Turns returns the recorded turns of a session in the order they happened.
func (db *DB) Turns(ctx context.Context, sessionID string) ([]StoredTurn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, session_id, prompt, rendered_prompt, output, temperature, max_new_tokens, created_at
		FROM turns
		WHERE session_id=?
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []StoredTurn
	for rows.Next() {
		var st StoredTurn
		err := rows.Scan(
			&st.Id,
			&st.SessionId,
			&st.Prompt,
			&st.Rendered,
			&st.Outputs,
			&st.Temperature,
			&st.MaxNewTokens,
			&st.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning turns: %w", err)
		}
		turns = append(turns, st)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	return turns, nil
}
