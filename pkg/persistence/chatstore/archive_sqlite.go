package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

type SQLiteArchive struct {
	db  *sql.DB
	now func() time.Time
}

var _ Archive = &SQLiteArchive{}

func NewSQLiteArchive(dsn string) (*SQLiteArchive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite archive: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	s := &SQLiteArchive{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN for an on-disk archive with WAL enabled.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite archive: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteArchive) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteArchive) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite archive: db is nil")
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archived_turns (
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			turn_index INTEGER NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			failed INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			archived_at_ms INTEGER NOT NULL,
			PRIMARY KEY (session_id, turn_id)
		);`,
		`CREATE TABLE IF NOT EXISTS history_snapshots (
			session_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			hash_algorithm TEXT NOT NULL DEFAULT 'sha256-canonical-json-v1',
			fetched_at_ms INTEGER NOT NULL,
			checkpoint_count INTEGER NOT NULL,
			checkpoints_json TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE INDEX IF NOT EXISTS archived_turns_by_session ON archived_turns(session_id, turn_index);`,
		`CREATE INDEX IF NOT EXISTS history_snapshots_by_session ON history_snapshots(session_id, fetched_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite archive: migrate")
		}
	}
	return nil
}

func (s *SQLiteArchive) SaveTurn(ctx context.Context, sessionID string, index int, turn transcript.Turn) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite archive: db is nil")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("sqlite archive: sessionID is empty")
	}
	if strings.TrimSpace(turn.ID) == "" {
		return errors.New("sqlite archive: turnID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rec := turnRecord(sessionID, index, turn)
	failed := 0
	if rec.Failed {
		failed = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archived_turns (
			session_id, turn_id, turn_index, speaker, text, failed, error, created_at_ms, archived_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, turn_id) DO UPDATE SET
			turn_index = excluded.turn_index,
			text = excluded.text,
			failed = excluded.failed,
			error = excluded.error,
			archived_at_ms = excluded.archived_at_ms
	`, rec.SessionID, rec.TurnID, rec.TurnIndex, rec.Speaker, rec.Text, failed, rec.Error, rec.CreatedAtMs, s.now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite archive: save turn")
	}
	return nil
}

func (s *SQLiteArchive) ListTurns(ctx context.Context, q TurnQuery) ([]TurnRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite archive: db is nil")
	}
	if strings.TrimSpace(q.SessionID) == "" {
		return nil, errors.New("sqlite archive: sessionID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT session_id, turn_index, turn_id, speaker, text, failed, error, created_at_ms
		FROM archived_turns
		WHERE session_id = ?
	`
	args := []any{q.SessionID}
	if q.Speaker != "" {
		query += ` AND speaker = ?`
		args = append(args, q.Speaker)
	}
	if q.SinceMs > 0 {
		query += ` AND created_at_ms >= ?`
		args = append(args, q.SinceMs)
	}
	query += ` ORDER BY turn_index ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite archive: list turns")
	}
	defer func() { _ = rows.Close() }()

	items := make([]TurnRecord, 0)
	for rows.Next() {
		var (
			item   TurnRecord
			failed int64
		)
		if err := rows.Scan(&item.SessionID, &item.TurnIndex, &item.TurnID, &item.Speaker, &item.Text, &failed, &item.Error, &item.CreatedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite archive: scan turn")
		}
		item.Failed = failed == 1
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// SaveHistorySnapshot stores history unless it is identical to the latest
// snapshot of the session.
func (s *SQLiteArchive) SaveHistorySnapshot(ctx context.Context, sessionID string, history []checkpoints.Checkpoint) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite archive: db is nil")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("sqlite archive: sessionID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	hash, err := ComputeSnapshotHash(history)
	if err != nil {
		return errors.Wrap(err, "sqlite archive: hash snapshot")
	}

	var latest string
	err = s.db.QueryRowContext(ctx, `
		SELECT content_hash FROM history_snapshots
		WHERE session_id = ?
		ORDER BY fetched_at_ms DESC, rowid DESC LIMIT 1
	`, sessionID).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "sqlite archive: latest snapshot hash")
	}
	if latest == hash {
		return nil
	}

	if history == nil {
		history = []checkpoints.Checkpoint{}
	}
	payload, err := json.Marshal(history)
	if err != nil {
		return errors.Wrap(err, "sqlite archive: marshal snapshot")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history_snapshots (session_id, content_hash, hash_algorithm, fetched_at_ms, checkpoint_count, checkpoints_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, hash, SnapshotHashAlgorithmV1, s.now().UnixMilli(), len(history), string(payload))
	if err != nil {
		return errors.Wrap(err, "sqlite archive: save snapshot")
	}
	return nil
}

func (s *SQLiteArchive) LatestHistorySnapshot(ctx context.Context, sessionID string) (HistorySnapshot, bool, error) {
	if s == nil || s.db == nil {
		return HistorySnapshot{}, false, errors.New("sqlite archive: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		snap    HistorySnapshot
		payload string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, content_hash, fetched_at_ms, checkpoints_json
		FROM history_snapshots
		WHERE session_id = ?
		ORDER BY fetched_at_ms DESC, rowid DESC LIMIT 1
	`, sessionID).Scan(&snap.SessionID, &snap.ContentHash, &snap.FetchedAtMs, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return HistorySnapshot{}, false, nil
	}
	if err != nil {
		return HistorySnapshot{}, false, errors.Wrap(err, "sqlite archive: latest snapshot")
	}
	if err := json.Unmarshal([]byte(payload), &snap.Checkpoints); err != nil {
		return HistorySnapshot{}, false, errors.Wrap(err, "sqlite archive: decode snapshot")
	}
	return snap, true, nil
}

func (s *SQLiteArchive) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite archive: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, SUM(turns), SUM(snapshots), MAX(last_ms) FROM (
			SELECT session_id, COUNT(1) AS turns, 0 AS snapshots, MAX(archived_at_ms) AS last_ms
			FROM archived_turns GROUP BY session_id
			UNION ALL
			SELECT session_id, 0 AS turns, COUNT(1) AS snapshots, MAX(fetched_at_ms) AS last_ms
			FROM history_snapshots GROUP BY session_id
		)
		GROUP BY session_id
		ORDER BY MAX(last_ms) DESC, session_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite archive: list sessions")
	}
	defer func() { _ = rows.Close() }()

	records := make([]SessionRecord, 0)
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.SessionID, &r.TurnCount, &r.Snapshots, &r.LastActivityMs); err != nil {
			return nil, errors.Wrap(err, "sqlite archive: scan session")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
