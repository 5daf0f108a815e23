package worker

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/smg-radio/shellcache/internal/cache"
)

// storeOnEOF 在响应正文被完整读取后把副本交给后台写入器。
// 声明长度超过 MaxEntrySize 的响应不做捕获；未读到 EOF 就被关闭的正文不写入。
func (w *Worker) storeOnEOF(resp *http.Response, key cache.RequestKey) {
	if resp.Body == nil || resp.Body == http.NoBody {
		w.writer.Enqueue(w.opts.CacheName, key, snapshot(resp, nil))
		return
	}
	if resp.ContentLength > w.opts.MaxEntrySize {
		return
	}
	status := resp.StatusCode
	header := resp.Header.Clone()
	resp.Body = &captureBody{
		ReadCloser: resp.Body,
		limit:      w.opts.MaxEntrySize,
		expected:   resp.ContentLength,
		onComplete: func(body []byte) {
			w.writer.Enqueue(w.opts.CacheName, key, &cache.Response{
				Status:   status,
				Header:   header,
				Body:     body,
				StoredAt: time.Now().UTC(),
			})
		},
	}
}

func snapshot(resp *http.Response, body []byte) *cache.Response {
	if body == nil {
		body = []byte{}
	}
	return &cache.Response{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
}

// captureBody 在转发正文的同时复制一份，读到 EOF（或声明长度已读满）时回调一次。
type captureBody struct {
	io.ReadCloser
	limit      int64
	expected   int64
	onComplete func([]byte)

	mu       sync.Mutex
	buf      bytes.Buffer
	overflow bool
	done     bool
}

func (b *captureBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)

	b.mu.Lock()
	defer b.mu.Unlock()
	if n > 0 && !b.overflow {
		if int64(b.buf.Len()+n) > b.limit {
			b.overflow = true
			b.buf = bytes.Buffer{}
		} else {
			b.buf.Write(p[:n])
		}
	}
	complete := errors.Is(err, io.EOF) || (b.expected >= 0 && int64(b.buf.Len()) == b.expected && !b.overflow)
	if complete && !b.done {
		b.done = true
		if !b.overflow {
			body := make([]byte, b.buf.Len())
			copy(body, b.buf.Bytes())
			b.onComplete(body)
		}
	}
	return n, err
}
