package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// ErrWaiterRequired rejects notifier construction without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until a new job of the given type is announced, a wait
// window elapses, or the context ends. The repository's LISTEN/NOTIFY
// subscriber satisfies this.
type Waiter interface {
	WaitForNotification(ctx context.Context, jobType model.JobType) error
}

// Notifier fans new-job wake-ups out to worker subscriptions. Tokens are a
// hint, never a guarantee: consumers still gate on ReserveNext.
type Notifier interface {
	Subscribe(jobType model.JobType) (func(), <-chan struct{})
	StopAll()
}

// HubOptions configures the notification hub.
type HubOptions struct {
	Waiter Waiter
	// WaitWindow bounds one waiter call so listeners notice StopAll even
	// when the backend is silent. Defaults to a minute.
	WaitWindow time.Duration
	// Backoff delays the next waiter call after an error. Defaults to 250ms.
	Backoff time.Duration
}

// Hub multiplexes one waiter per job type over any number of subscribers.
// The per-type listener goroutine starts with the first subscription and
// stops with the last unsubscribe.
type Hub struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu        sync.Mutex
	subs      map[model.JobType]map[chan struct{}]struct{}
	listeners map[model.JobType]context.CancelFunc
}

// NewHub constructs the notification hub.
func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	waitWindow := opts.WaitWindow
	if waitWindow <= 0 {
		waitWindow = time.Minute
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	return &Hub{
		waiter:     opts.Waiter,
		waitWindow: waitWindow,
		backoff:    backoff,
		subs:       make(map[model.JobType]map[chan struct{}]struct{}),
		listeners:  make(map[model.JobType]context.CancelFunc),
	}, nil
}

// Subscribe registers interest in new jobs of the given type. The returned
// channel holds at most one pending token; the returned func unsubscribes
// and closes it.
func (h *Hub) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, running := h.listeners[jobType]; !running {
		ctx, cancel := context.WithCancel(context.Background())
		h.listeners[jobType] = cancel
		go h.listen(ctx, jobType)
	}

	ch := make(chan struct{}, 1)
	if h.subs[jobType] == nil {
		h.subs[jobType] = make(map[chan struct{}]struct{})
	}
	h.subs[jobType][ch] = struct{}{}

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subscribers := h.subs[jobType]
		if subscribers == nil {
			return
		}
		if _, ok := subscribers[ch]; !ok {
			return
		}
		delete(subscribers, ch)
		drainAndClose(ch)
		if len(subscribers) == 0 {
			h.stopListener(jobType)
			delete(h.subs, jobType)
		}
	}
	return unsubscribe, ch
}

// StopAll cancels every listener and closes every subscription channel.
func (h *Hub) StopAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for jobType, cancel := range h.listeners {
		cancel()
		delete(h.listeners, jobType)
	}
	for jobType, subscribers := range h.subs {
		for ch := range subscribers {
			drainAndClose(ch)
		}
		delete(h.subs, jobType)
	}
}

func (h *Hub) stopListener(jobType model.JobType) {
	if cancel, ok := h.listeners[jobType]; ok {
		cancel()
		delete(h.listeners, jobType)
	}
}

func (h *Hub) listen(ctx context.Context, jobType model.JobType) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, h.waitWindow)
		err := h.waiter.WaitForNotification(waitCtx, jobType)
		cancel()

		// Broadcast on timeout too: a spurious wake-up costs one cheap
		// ReserveNext, a missed one stalls a worker for a full window.
		h.broadcast(jobType)

		if err != nil && ctx.Err() == nil {
			timer := time.NewTimer(h.backoff)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
			}
		}
	}
}

func (h *Hub) broadcast(jobType model.JobType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[jobType] {
		select {
		case ch <- struct{}{}:
		default:
			// Subscriber already has a pending token.
		}
	}
}

// drainAndClose empties buffered tokens so receivers observe the close
// immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*Hub)(nil)
