// Package checkpoint persists conversation snapshots to a local SQLite
// database so a session can be saved, listed, and restored later.
// Snapshots carry a checksum over their message payloads; a snapshot
// that fails verification on load is reported rather than silently
// restored.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
)

// SchemaVersion is written into the database on creation. Opening a
// database written by a newer release fails rather than guessing at the
// layout.
const SchemaVersion = 1

// Meta describes a stored checkpoint without its messages.
type Meta struct {
	ID           string
	Name         string
	Model        string
	MessageCount int
	CreatedAt    time.Time
}

// ToolExecution is one tool call/result pair preserved in a checkpoint.
// Args is the canonical JSON argument form. The message log carries no
// per-call timestamps, so ExecutedAt records when the snapshot captured
// the execution.
type ToolExecution struct {
	Seq        int
	Name       string
	Args       string
	Result     string
	ExecutedAt time.Time
}

// Checkpoint is a full conversation snapshot. Files optionally carries
// workspace file contents keyed by relative path; ToolExecutions lists
// the call/result pairs in log order.
type Checkpoint struct {
	Meta
	Messages       []llm.Message
	ToolExecutions []ToolExecution
	Files          map[string]string
}

// Store persists checkpoints in one SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the checkpoint database at dbPath and prepares
// the schema.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	// SQLite handles one writer; keep the pool at a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping checkpoint database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		model         TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL,
		checksum      TEXT NOT NULL,
		created_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		checkpoint_id TEXT NOT NULL,
		seq           INTEGER NOT NULL,
		role          TEXT NOT NULL,
		payload       TEXT NOT NULL,
		PRIMARY KEY (checkpoint_id, seq),
		FOREIGN KEY (checkpoint_id) REFERENCES checkpoints(checkpoint_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tool_executions (
		checkpoint_id TEXT NOT NULL,
		seq           INTEGER NOT NULL,
		name          TEXT NOT NULL,
		args          TEXT NOT NULL,
		result        TEXT NOT NULL,
		executed_at   INTEGER NOT NULL,
		PRIMARY KEY (checkpoint_id, seq),
		FOREIGN KEY (checkpoint_id) REFERENCES checkpoints(checkpoint_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS file_snapshots (
		checkpoint_id TEXT NOT NULL,
		path          TEXT NOT NULL,
		content       TEXT NOT NULL,
		PRIMARY KEY (checkpoint_id, path),
		FOREIGN KEY (checkpoint_id) REFERENCES checkpoints(checkpoint_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_name ON checkpoints(name);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}

	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`,
			fmt.Sprintf("%d", SchemaVersion))
		if err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	default:
		var v int
		if _, scanErr := fmt.Sscanf(stored, "%d", &v); scanErr != nil || v > SchemaVersion {
			return fmt.Errorf("checkpoint database schema version %q is newer than supported version %d",
				stored, SchemaVersion)
		}
	}
	return nil
}

// Save stores a snapshot under name and returns its id. Names are not
// unique; List disambiguates by creation time.
func (s *Store) Save(ctx context.Context, name, model string, messages []llm.Message) (string, error) {
	return s.SaveSnapshot(ctx, name, model, messages, nil)
}

// SaveSnapshot stores a snapshot together with workspace file contents
// keyed by relative path. Files participate in the integrity checksum.
func (s *Store) SaveSnapshot(ctx context.Context, name, model string, messages []llm.Message, files map[string]string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("checkpoint name must not be empty")
	}

	payloads := make([]string, len(messages))
	for i, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return "", fmt.Errorf("failed to marshal message %d: %w", i, err)
		}
		payloads[i] = string(data)
	}

	id := uuid.NewString()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, name, model, message_count, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, model, len(messages), checksum(payloads, files), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	for i, p := range payloads {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (checkpoint_id, seq, role, payload)
			VALUES (?, ?, ?, ?)`,
			id, i, string(messages[i].Role), p)
		if err != nil {
			return "", fmt.Errorf("failed to insert message %d: %w", i, err)
		}
	}

	for _, ex := range deriveExecutions(messages, time.Now()) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tool_executions (checkpoint_id, seq, name, args, result, executed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, ex.Seq, ex.Name, ex.Args, ex.Result, ex.ExecutedAt.Unix())
		if err != nil {
			return "", fmt.Errorf("failed to insert tool execution %d: %w", ex.Seq, err)
		}
	}

	for path, content := range files {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO file_snapshots (checkpoint_id, path, content)
			VALUES (?, ?, ?)`, id, path, content)
		if err != nil {
			return "", fmt.Errorf("failed to insert file snapshot %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return id, nil
}

// Load retrieves a checkpoint by id and verifies its checksum.
func (s *Store) Load(ctx context.Context, id string) (*Checkpoint, error) {
	meta, err := s.loadMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM messages WHERE checkpoint_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var payloads []string
	var messages []llm.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var m llm.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("checkpoint %s contains an unreadable message: %w", id, err)
		}
		payloads = append(payloads, payload)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	files, err := s.loadFiles(ctx, id)
	if err != nil {
		return nil, err
	}
	executions, err := s.loadExecutions(ctx, id)
	if err != nil {
		return nil, err
	}

	if got := checksum(payloads, files); got != s.storedChecksum(ctx, id) {
		return nil, fmt.Errorf("checkpoint %s failed integrity verification", id)
	}
	if len(messages) != meta.MessageCount {
		return nil, fmt.Errorf("checkpoint %s has %d messages, expected %d",
			id, len(messages), meta.MessageCount)
	}

	return &Checkpoint{Meta: *meta, Messages: messages, ToolExecutions: executions, Files: files}, nil
}

func (s *Store) loadExecutions(ctx context.Context, id string) ([]ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, name, args, result, executed_at
		FROM tool_executions WHERE checkpoint_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool executions: %w", err)
	}
	defer rows.Close()

	var out []ToolExecution
	for rows.Next() {
		var ex ToolExecution
		var at int64
		if err := rows.Scan(&ex.Seq, &ex.Name, &ex.Args, &ex.Result, &at); err != nil {
			return nil, fmt.Errorf("failed to scan tool execution: %w", err)
		}
		ex.ExecutedAt = time.Unix(at, 0)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// deriveExecutions pairs the log's tool calls with their results. The
// records are derived from the checksummed messages; restore uses the
// messages themselves, the records exist for external inspection.
func deriveExecutions(messages []llm.Message, at time.Time) []ToolExecution {
	nameFor := make(map[string]string)
	argsFor := make(map[string]string)
	var out []ToolExecution
	for _, m := range messages {
		switch m.Role {
		case llm.RoleAssistant:
			for _, c := range m.ToolCalls {
				argsJSON := c.RawArgs
				if args, err := c.ParsedArgs(); err == nil {
					if data, err := json.Marshal(args); err == nil {
						argsJSON = string(data)
					}
				}
				nameFor[c.ID] = c.Name
				argsFor[c.ID] = argsJSON
			}
		case llm.RoleTool:
			name := m.Name
			if name == "" {
				name = nameFor[m.ToolCallID]
			}
			out = append(out, ToolExecution{
				Seq:        len(out),
				Name:       name,
				Args:       argsFor[m.ToolCallID],
				Result:     m.Content,
				ExecutedAt: at,
			})
		}
	}
	return out
}

func (s *Store) loadFiles(ctx context.Context, id string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, content FROM file_snapshots WHERE checkpoint_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query file snapshots: %w", err)
	}
	defer rows.Close()

	var files map[string]string
	for rows.Next() {
		var path, content string
		if err := rows.Scan(&path, &content); err != nil {
			return nil, fmt.Errorf("failed to scan file snapshot: %w", err)
		}
		if files == nil {
			files = make(map[string]string)
		}
		files[path] = content
	}
	return files, rows.Err()
}

// LoadByName retrieves the most recent checkpoint with the given name.
func (s *Store) LoadByName(ctx context.Context, name string) (*Checkpoint, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id FROM checkpoints
		WHERE name = ? ORDER BY created_at DESC LIMIT 1`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no checkpoint named %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve checkpoint name: %w", err)
	}
	return s.Load(ctx, id)
}

// List returns checkpoint metadata, newest first.
func (s *Store) List(ctx context.Context) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, name, model, message_count, created_at
		FROM checkpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var m Meta
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Name, &m.Model, &m.MessageCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes a checkpoint and its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE checkpoint_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no checkpoint with id %s", id)
	}
	// Cascade deletion is not guaranteed without foreign_keys pragma;
	// delete dependent rows explicitly.
	if _, err = s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE checkpoint_id = ?`, id); err != nil {
		return err
	}
	if _, err = s.db.ExecContext(ctx,
		`DELETE FROM tool_executions WHERE checkpoint_id = ?`, id); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM file_snapshots WHERE checkpoint_id = ?`, id)
	return err
}

func (s *Store) loadMeta(ctx context.Context, id string) (*Meta, error) {
	var m Meta
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, name, model, message_count, created_at
		FROM checkpoints WHERE checkpoint_id = ?`, id).
		Scan(&m.ID, &m.Name, &m.Model, &m.MessageCount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no checkpoint with id %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}

func (s *Store) storedChecksum(ctx context.Context, id string) string {
	var sum string
	_ = s.db.QueryRowContext(ctx,
		`SELECT checksum FROM checkpoints WHERE checkpoint_id = ?`, id).Scan(&sum)
	return sum
}

// checksum hashes the message payloads in order, then the file snapshots
// sorted by path, each with a length prefix so adjacent values cannot
// collide by concatenation.
func checksum(payloads []string, files map[string]string) string {
	h := sha256.New()
	for _, p := range payloads {
		fmt.Fprintf(h, "%d:", len(p))
		h.Write([]byte(p))
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(h, "%d:%s%d:", len(p), p, len(files[p]))
		h.Write([]byte(files[p]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
