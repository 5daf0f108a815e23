package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS caches (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_name  TEXT NOT NULL REFERENCES caches(name) ON DELETE CASCADE,
	method      TEXT NOT NULL,
	url         TEXT NOT NULL,
	status      INTEGER NOT NULL,
	header_json TEXT NOT NULL,
	body        BLOB NOT NULL,
	stored_at   INTEGER NOT NULL,
	PRIMARY KEY (cache_name, method, url)
);`

// sqliteStorage 将全部具名缓存保存在同一个 SQLite 文件中；条目写入是单行 upsert，
// 读方只会看到完整响应。
type sqliteStorage struct {
	sqlDB *sql.DB
}

// NewSQLiteStorage 打开（必要时创建）path 处的 SQLite 缓存文件。
func NewSQLiteStorage(path string) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &sqliteStorage{sqlDB: sqlDB}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO caches (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name,
		time.Now().UTC().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqliteCache{sqlDB: s.sqlDB, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM caches WHERE name = ?`, name).Scan(&count); err != nil {
		return false, fmt.Errorf("has cache %s: %w", name, err)
	}
	return count > 0, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, name); err != nil {
		return false, fmt.Errorf("delete cache entries %s: %w", name, err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM caches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate caches: %w", err)
	}
	return names, nil
}

// Close 释放底层 SQLite 连接。
func (s *sqliteStorage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type sqliteCache struct {
	sqlDB *sql.DB
	name  string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key RequestKey) (*Response, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	row := c.sqlDB.QueryRowContext(
		ctx,
		`SELECT status, header_json, body, stored_at
		 FROM cache_entries
		 WHERE cache_name = ? AND method = ? AND url = ?`,
		c.name,
		key.Method,
		key.URL,
	)

	var (
		resp       Response
		headerJSON string
		storedAt   int64
	)
	if err := row.Scan(&resp.Status, &headerJSON, &resp.Body, &storedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(headerJSON), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode header %s: %w", key, err)
	}
	if resp.Body == nil {
		resp.Body = []byte{}
	}
	resp.StoredAt = time.UnixMilli(storedAt).UTC()
	return &resp, nil
}

func (c *sqliteCache) Put(ctx context.Context, key RequestKey, resp *Response) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("cache response required")
	}
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return err
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	_, err = c.sqlDB.ExecContext(
		ctx,
		`INSERT INTO cache_entries (cache_name, method, url, status, header_json, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_name, method, url) DO UPDATE SET
		    status = excluded.status,
		    header_json = excluded.header_json,
		    body = excluded.body,
		    stored_at = excluded.stored_at`,
		c.name,
		key.Method,
		key.URL,
		resp.Status,
		string(headerJSON),
		body,
		storedAt.UTC().UnixMilli(),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: %s", ErrCacheDeleted, c.name)
		}
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (c *sqliteCache) Delete(ctx context.Context, key RequestKey) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := c.sqlDB.ExecContext(
		ctx,
		`DELETE FROM cache_entries WHERE cache_name = ? AND method = ? AND url = ?`,
		c.name,
		key.Method,
		key.URL,
	); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]RequestKey, error) {
	rows, err := c.sqlDB.QueryContext(
		ctx,
		`SELECT method, url FROM cache_entries WHERE cache_name = ? ORDER BY url, method`,
		c.name,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	keys := make([]RequestKey, 0)
	for rows.Next() {
		var key RequestKey
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func isForeignKeyError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "foreign key")
}

var _ Storage = (*sqliteStorage)(nil)
