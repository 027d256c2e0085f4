package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "offline-agent.db"

// sqliteStore 把所有分区放进同一个数据库，AUTOINCREMENT 主键即插入顺序。
type sqliteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (or creates) the database under basePath.
func NewSQLiteStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(basePath, SQLiteFileName))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			partition_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			request_header BLOB,
			status INTEGER NOT NULL,
			header BLOB,
			body BLOB,
			UNIQUE (partition_id, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return &sqliteStore{db: db, writeMutex: &sync.Mutex{}}, nil
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := validPartitionName(name); err != nil {
		return nil, err
	}
	if _, err := s.partitionID(ctx, name, true); err != nil {
		return nil, err
	}
	return &sqlitePartition{store: s, name: name}, nil
}

func (s *sqliteStore) Has(ctx context.Context, name string) (bool, error) {
	if err := validPartitionName(name); err != nil {
		return false, err
	}
	_, err := s.partitionID(ctx, name, false)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := validPartitionName(name); err != nil {
		return false, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM partitions WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition_id = ?", id); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE id = ?", id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) Match(ctx context.Context, req Request, opts MatchOptions) (*Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return matchAcross(ctx, s, names, req, opts)
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) partitionID(ctx context.Context, name string, create bool) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM partitions WHERE name = ?", name).Scan(&id)
	if err == nil || !create || !errors.Is(err, sql.ErrNoRows) {
		return id, err
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", name); err != nil {
		return 0, err
	}
	err = s.db.QueryRowContext(ctx, "SELECT id FROM partitions WHERE name = ?", name).Scan(&id)
	return id, err
}

type sqlitePartition struct {
	store *sqliteStore
	name  string
}

func (p *sqlitePartition) Name() string { return p.name }

func (p *sqlitePartition) Put(ctx context.Context, req Request, resp *Response) error {
	if err := checkPut(req, resp); err != nil {
		return err
	}
	id, err := p.store.partitionID(ctx, p.name, true)
	if err != nil {
		return err
	}
	requestHeader, err := json.Marshal(varyRequestHeaders(req, resp))
	if err != nil {
		return err
	}
	header, err := json.Marshal(storedHeaders(resp.Header))
	if err != nil {
		return err
	}

	p.store.writeMutex.Lock()
	defer p.store.writeMutex.Unlock()

	tx, err := p.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// 先删后插，新行获得更大的 seq，从而移到插入顺序末尾。
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition_id = ? AND key = ?", id, req.Key()); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO entries
		(partition_id, key, method, url, request_header, status, header, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.Key(), req.Method, req.URL, requestHeader, resp.Status, header, resp.Body)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *sqlitePartition) Match(ctx context.Context, req Request, opts MatchOptions) (*Response, error) {
	var (
		rawRequestHeader []byte
		rawHeader        []byte
		status           int
		body             []byte
	)
	err := p.store.db.QueryRowContext(ctx, `SELECT e.request_header, e.status, e.header, e.body
		FROM entries e JOIN partitions p ON p.id = e.partition_id
		WHERE p.name = ? AND e.key = ?`, p.name, req.Key()).
		Scan(&rawRequestHeader, &status, &rawHeader, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	resp := &Response{Status: status, Header: http.Header{}, Body: body}
	if err := decodeHeader(rawHeader, &resp.Header); err != nil {
		return nil, err
	}
	var stored http.Header
	if err := decodeHeader(rawRequestHeader, &stored); err != nil {
		return nil, err
	}
	if !varyMatches(req, stored, resp, opts) {
		return nil, ErrNotFound
	}
	if resp.Body == nil {
		resp.Body = []byte{}
	}
	return resp, nil
}

func (p *sqlitePartition) Delete(ctx context.Context, req Request) (bool, error) {
	p.store.writeMutex.Lock()
	defer p.store.writeMutex.Unlock()

	result, err := p.store.db.ExecContext(ctx, `DELETE FROM entries
		WHERE key = ? AND partition_id = (SELECT id FROM partitions WHERE name = ?)`, req.Key(), p.name)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]Request, error) {
	rows, err := p.store.db.QueryContext(ctx, `SELECT e.method, e.url, e.request_header
		FROM entries e JOIN partitions p ON p.id = e.partition_id
		WHERE p.name = ? ORDER BY e.seq`, p.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Request
	for rows.Next() {
		var (
			req Request
			raw []byte
		)
		if err := rows.Scan(&req.Method, &req.URL, &raw); err != nil {
			return nil, err
		}
		req.Header = http.Header{}
		if err := decodeHeader(raw, &req.Header); err != nil {
			return nil, err
		}
		keys = append(keys, req)
	}
	return keys, rows.Err()
}

func decodeHeader(raw []byte, out *http.Header) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}
