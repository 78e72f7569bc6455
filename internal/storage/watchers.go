package storage

import (
	"sync"
)

// Watchers fans change signals out to row subscriptions. Backends embed it to
// implement RowChangeFeed.
type Watchers struct {
	mu   sync.Mutex
	subs map[string]map[*rowSubscription]struct{}
}

// Subscribe registers a subscription for (store, key).
func (w *Watchers) Subscribe(store string, key []byte) RowChangeSubscription {
	sub := &rowSubscription{
		owner:  w,
		id:     RowPrefix(store, key),
		events: make(chan struct{}, 1),
	}
	w.mu.Lock()
	if w.subs == nil {
		w.subs = make(map[string]map[*rowSubscription]struct{})
	}
	set := w.subs[sub.id]
	if set == nil {
		set = make(map[*rowSubscription]struct{})
		w.subs[sub.id] = set
	}
	set[sub] = struct{}{}
	w.mu.Unlock()
	return sub
}

// Notify signals every subscription on (store, key).
func (w *Watchers) Notify(store string, key []byte) {
	w.NotifyPrefix(RowPrefix(store, key))
}

// NotifyPrefix signals subscriptions registered under a RowPrefix value.
func (w *Watchers) NotifyPrefix(prefix string) {
	w.mu.Lock()
	subs := make([]*rowSubscription, 0, len(w.subs[prefix]))
	for sub := range w.subs[prefix] {
		subs = append(subs, sub)
	}
	w.mu.Unlock()
	for _, sub := range subs {
		sub.signal()
	}
}

// Active reports whether anything is subscribed to prefix.
func (w *Watchers) Active(prefix string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs[prefix]) > 0
}

// CloseAll closes every outstanding subscription.
func (w *Watchers) CloseAll() {
	w.mu.Lock()
	var subs []*rowSubscription
	for _, set := range w.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	w.subs = nil
	w.mu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
}

func (w *Watchers) remove(sub *rowSubscription) {
	w.mu.Lock()
	if set, ok := w.subs[sub.id]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(w.subs, sub.id)
		}
	}
	w.mu.Unlock()
}

type rowSubscription struct {
	owner  *Watchers
	id     string
	mu     sync.Mutex
	events chan struct{}
	closed bool
}

func (s *rowSubscription) Events() <-chan struct{} { return s.events }

func (s *rowSubscription) Close() error {
	if s.shutdown() {
		s.owner.remove(s)
	}
	return nil
}

func (s *rowSubscription) shutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.events)
	return true
}

// signal never blocks: a pending event already covers any later change.
func (s *rowSubscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}
