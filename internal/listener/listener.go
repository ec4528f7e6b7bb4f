// Package listener runs one worker per account that processes that
// account's events strictly in arrival order.
package listener

import (
	"slices"
	"sync"

	"github.com/soyeahso/unibox/internal/logging"
)

type worker struct {
	jobs   chan func()
	done   chan struct{}
	once   sync.Once
	detach func()
}

func (w *worker) stop() {
	w.once.Do(func() {
		close(w.done)
		if w.detach != nil {
			w.detach()
		}
	})
}

// Registry tracks the live listener of every account.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*worker
	buffer  int
	log     *logging.Logger
}

// NewRegistry creates a registry whose per-account queues hold buffer jobs.
func NewRegistry(buffer int, log *logging.Logger) *Registry {
	if buffer < 1 {
		buffer = 256
	}
	return &Registry{
		workers: make(map[string]*worker),
		buffer:  buffer,
		log:     log.Sub("listener"),
	}
}

// Start registers a listener for accountID. detach, if non-nil, is called
// once when the listener stops. Returns false, without calling detach, if
// the account already has a listener.
func (r *Registry) Start(accountID string, detach func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[accountID]; ok {
		return false
	}
	w := &worker{
		jobs:   make(chan func(), r.buffer),
		done:   make(chan struct{}),
		detach: detach,
	}
	r.workers[accountID] = w
	go r.run(accountID, w)
	r.log.Debug().Str("account", accountID).Msg("listener started")
	return true
}

func (r *Registry) run(accountID string, w *worker) {
	for {
		select {
		case <-w.done:
			return
		case job := <-w.jobs:
			select {
			case <-w.done:
				return
			default:
			}
			r.safeRun(accountID, job)
		}
	}
}

func (r *Registry) safeRun(accountID string, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("account", accountID).Interface("panic", rec).Msg("listener job panicked")
		}
	}()
	job()
}

// Submit queues job on the account's listener. It blocks while the queue is
// full and returns false if the account has no listener or it stops.
func (r *Registry) Submit(accountID string, job func()) bool {
	r.mu.Lock()
	w, ok := r.workers[accountID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.jobs <- job:
		return true
	case <-w.done:
		return false
	}
}

// Stop tears down the account's listener. Queued jobs are dropped. Safe on
// unknown accounts.
func (r *Registry) Stop(accountID string) {
	r.mu.Lock()
	w, ok := r.workers[accountID]
	delete(r.workers, accountID)
	r.mu.Unlock()
	if ok {
		w.stop()
		r.log.Debug().Str("account", accountID).Msg("listener stopped")
	}
}

// Running reports whether accountID has a listener.
func (r *Registry) Running(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[accountID]
	return ok
}

// Accounts lists accounts with a listener, sorted.
func (r *Registry) Accounts() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// StopAll stops every listener.
func (r *Registry) StopAll() {
	for _, id := range r.Accounts() {
		r.Stop(id)
	}
}
