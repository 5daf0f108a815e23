// Package lifecycle 提供 install → activate → fetch 三类事件的分发表。
// 处理器按事件类型注册；事件通过 WaitUntil 登记需要等待的异步工作，
// fetch 事件通过 RespondWith 接管响应，宿主在 Dispatch 返回后再取响应。
package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// EventKind 标识生命周期事件类型。
type EventKind string

const (
	Install  EventKind = "install"
	Activate EventKind = "activate"
	Fetch    EventKind = "fetch"
)

var (
	// ErrAlreadyResponded 表示同一 fetch 事件第二次调用 RespondWith。
	ErrAlreadyResponded = errors.New("fetch event already has a responder")
	// ErrNotFetchEvent 表示在非 fetch 事件上调用 RespondWith。
	ErrNotFetchEvent = errors.New("respondWith is only valid for fetch events")
	// ErrDispatchFinished 表示事件分发结束后才调用 RespondWith。
	ErrDispatchFinished = errors.New("event dispatch already finished")
)

// Responder 产出 fetch 事件的最终响应。
type Responder func(ctx context.Context) (*http.Response, error)

// Handler 处理一次事件；返回错误等同于事件失败。
type Handler func(ctx context.Context, ev *Event) error

// Event 是一次生命周期事件。
type Event struct {
	kind    EventKind
	request *http.Request

	mu        sync.Mutex
	group     *errgroup.Group
	groupCtx  context.Context
	finished  bool
	responder Responder
}

// NewEvent 构造 install/activate 事件。
func NewEvent(kind EventKind) *Event {
	return &Event{kind: kind}
}

// NewFetchEvent 构造携带请求的 fetch 事件。
func NewFetchEvent(req *http.Request) *Event {
	return &Event{kind: Fetch, request: req}
}

func (e *Event) Kind() EventKind {
	return e.kind
}

// Request 返回 fetch 事件的请求，其他事件为 nil。
func (e *Event) Request() *http.Request {
	return e.request
}

// WaitUntil 登记一项异步工作，Dispatch 会等待其完成并汇总错误。
// 只能在处理器执行期间调用。
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.group == nil || e.finished {
		panic("lifecycle: WaitUntil called outside of event dispatch")
	}
	e.group.Go(func() error {
		return fn(e.groupCtx)
	})
}

// RespondWith 为 fetch 事件设置响应来源，每个事件只能设置一次。
func (e *Event) RespondWith(r Responder) error {
	if e.kind != Fetch {
		return ErrNotFetchEvent
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return ErrDispatchFinished
	}
	if e.responder != nil {
		return ErrAlreadyResponded
	}
	e.responder = r
	return nil
}

// Responded 返回是否有处理器接管了响应。
func (e *Event) Responded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responder != nil
}

// Respond 执行已登记的 responder；没有处理器接管时执行 fallback（宿主默认的网络请求）。
func (e *Event) Respond(ctx context.Context, fallback Responder) (*http.Response, error) {
	e.mu.Lock()
	responder := e.responder
	e.mu.Unlock()
	if responder == nil {
		responder = fallback
	}
	if responder == nil {
		return nil, errors.New("fetch event has no responder")
	}
	return responder(ctx)
}

// Dispatcher 是按事件类型索引的处理器表。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind][]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventKind][]Handler)}
}

// On 为事件类型追加处理器，按注册顺序执行。
func (d *Dispatcher) On(kind EventKind, h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], h)
}

// Handles 返回事件类型是否注册了处理器。
func (d *Dispatcher) Handles(kind EventKind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind]) > 0
}

// Dispatch 依次执行该类型的全部处理器，再等待 WaitUntil 登记的工作，返回第一个错误。
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[ev.kind]...)
	d.mu.RUnlock()

	group, groupCtx := errgroup.WithContext(ctx)
	ev.mu.Lock()
	ev.group = group
	ev.groupCtx = groupCtx
	ev.finished = false
	ev.mu.Unlock()

	var firstErr error
	for _, h := range handlers {
		if err := h(groupCtx, ev); err != nil {
			firstErr = err
			break
		}
	}

	waitErr := group.Wait()

	ev.mu.Lock()
	ev.finished = true
	ev.mu.Unlock()

	if firstErr != nil {
		return firstErr
	}
	return waitErr
}
