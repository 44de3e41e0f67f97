// Package offline keeps loan transitions recorded at a kiosk while the
// server is unreachable and replays them in order once it is back.
package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

const (
	statePending  = "pending"
	stateRejected = "rejected"
)

// Command 一次待提交的状态变更，字段与 PATCH /api/loans 的请求体一致
type Command struct {
	ID        string    `json:"-"`
	LoanID    string    `json:"id"`
	Status    string    `json:"status"`
	DeviceTag string    `json:"device_tag,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Condition string    `json:"condition,omitempty"`
	Damaged   bool      `json:"damaged,omitempty"`
	QueuedAt  time.Time `json:"-"`
	Attempts  int       `json:"-"`
	LastError string    `json:"-"`
}

// Sender 把一条命令交给服务端
type Sender interface {
	Send(ctx context.Context, cmd Command) error
}

// RejectedError 服务端明确拒绝（4xx），重放也不会成功
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%d): %s", e.Status, e.Message)
}

type Queue struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func Open(path string) (*Queue, error) {
	if path == "" {
		path = "loanctl.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		payload BLOB NOT NULL,
		queued_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create commands table: %w", err)
	}
	return &Queue{db: db, now: time.Now}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue 分配 ULID，保证按录入顺序重放
func (q *Queue) Enqueue(ctx context.Context, cmd Command) (Command, error) {
	if cmd.LoanID == "" || cmd.Status == "" {
		return Command{}, errors.New("offline: loan id and status are required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	cmd.ID = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	cmd.QueuedAt = now
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Command{}, err
	}
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO commands (id, state, payload, queued_at) VALUES (?, ?, ?, ?)`,
		cmd.ID, statePending, payload, now.UnixMilli()); err != nil {
		return Command{}, fmt.Errorf("insert command: %w", err)
	}
	return cmd, nil
}

func (q *Queue) Pending(ctx context.Context) ([]Command, error) {
	return q.list(ctx, statePending)
}

// Rejected 被服务端拒绝、需要人工处理的命令
func (q *Queue) Rejected(ctx context.Context) ([]Command, error) {
	return q.list(ctx, stateRejected)
}

func (q *Queue) list(ctx context.Context, state string) ([]Command, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, payload, queued_at, attempts, last_error FROM commands WHERE state = ? ORDER BY id`, state)
	if err != nil {
		return nil, fmt.Errorf("select commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Command
	for rows.Next() {
		var (
			c       Command
			payload []byte
			queued  int64
		)
		if err := rows.Scan(&c.ID, &payload, &queued, &c.Attempts, &c.LastError); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("decode command %s: %w", c.ID, err)
		}
		c.QueuedAt = time.UnixMilli(queued)
		out = append(out, c)
	}
	return out, rows.Err()
}

type FlushResult struct {
	Sent     int
	Rejected int
	Left     int
}

// Flush 按顺序重放；被拒绝的转入 rejected，网络或 5xx 错误时停下并保留剩余命令
func (q *Queue) Flush(ctx context.Context, s Sender) (FlushResult, error) {
	pending, err := q.Pending(ctx)
	if err != nil {
		return FlushResult{}, err
	}
	var res FlushResult
	for i, cmd := range pending {
		err := s.Send(ctx, cmd)
		var rej *RejectedError
		switch {
		case err == nil:
			if _, derr := q.db.ExecContext(ctx, `DELETE FROM commands WHERE id = ?`, cmd.ID); derr != nil {
				return res, fmt.Errorf("delete command: %w", derr)
			}
			res.Sent++
		case errors.As(err, &rej):
			if uerr := q.mark(ctx, cmd.ID, stateRejected, err); uerr != nil {
				return res, uerr
			}
			res.Rejected++
		default:
			_ = q.mark(ctx, cmd.ID, statePending, err)
			res.Left = len(pending) - i
			return res, fmt.Errorf("flush stopped at %s: %w", cmd.ID, err)
		}
	}
	return res, nil
}

func (q *Queue) mark(ctx context.Context, id, state string, cause error) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE commands SET state = ?, attempts = attempts + 1, last_error = ? WHERE id = ?`,
		state, cause.Error(), id)
	if err != nil {
		return fmt.Errorf("update command: %w", err)
	}
	return nil
}
