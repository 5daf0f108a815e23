package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// Storage 管理全部具名缓存，对应“按名称打开/删除/枚举”的存储 API。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 判断指定名称的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整份缓存及其所有条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 按名称排序返回所有缓存。
	Names(ctx context.Context) ([]string, error)

	Close() error
}

// Cache 是单个具名缓存。Put 必须整条替换，不允许出现半写入条目。
type Cache interface {
	Name() string

	// Match 按请求身份精确查找，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*Response, error)

	Put(ctx context.Context, key RequestKey, resp *Response) error

	Delete(ctx context.Context, key RequestKey) error

	// Keys 返回当前缓存中全部条目的请求身份，按 URL、方法排序。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// RequestKey 唯一定位一个缓存条目（方法 + 绝对 URL，不含 fragment）。
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewRequestKey 从 http.Request 派生缓存键。
func NewRequestKey(req *http.Request) RequestKey {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return RequestKey{Method: method, URL: u.String()}
}

func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Response 是落盘的完整响应：状态码、头部与正文。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// HTTPResponse 将缓存条目还原为可直接返回给调用方的 http.Response。
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示缓存名为空或无法安全映射到存储。
	ErrInvalidName = errors.New("invalid cache name")
	// ErrCacheDeleted 表示写入的目标缓存已被删除（例如版本切换后迟到的写入）。
	ErrCacheDeleted = errors.New("cache has been deleted")
	// ErrUnknownDriver 表示配置了未实现的存储驱动。
	ErrUnknownDriver = errors.New("unknown storage driver")
)

const sqliteFileName = "shellcache.db"

// Open 根据驱动名构建 Storage，整站复用一份实例。
func Open(driver, basePath string) (Storage, error) {
	switch driver {
	case "fs", "":
		return NewFileStorage(basePath)
	case "sqlite":
		return NewSQLiteStorage(filepath.Join(basePath, sqliteFileName))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func validateKey(key RequestKey) error {
	if key.Method == "" || key.URL == "" {
		return errors.New("cache key requires method and url")
	}
	return nil
}
