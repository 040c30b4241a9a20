// Package events carries change notifications between the stores.
//
// The credential store publishes a SessionChanged every time the active
// user changes; the expense store subscribes and reloads before returning
// control, so the next call it serves already sees the new user's data.
package events

import (
	"context"
	"sync"
	"time"

	"expensebook/internal/core"
)

// ExpenseAction names what happened to an expense.
type ExpenseAction string

const (
	ExpenseAdded   ExpenseAction = "added"
	ExpenseUpdated ExpenseAction = "updated"
	ExpenseDeleted ExpenseAction = "deleted"
)

// SessionChanged is published after login, registration, logout and
// session restore. Session is nil when nobody is signed in.
type SessionChanged struct {
	Session *core.Session
	At      time.Time
}

// ExpenseChanged is published after a mutation was applied to the cache.
// Expense is the zero value for deletions; ExpenseID is always set.
type ExpenseChanged struct {
	Action    ExpenseAction
	UserID    string
	ExpenseID string
	Expense   core.Expense
	Persisted bool
	At        time.Time
}

type SessionListener interface {
	OnSessionChanged(ctx context.Context, ev SessionChanged)
}

type ExpenseListener interface {
	OnExpenseChanged(ctx context.Context, ev ExpenseChanged)
}

// SessionListenerFunc adapts a function to SessionListener.
type SessionListenerFunc func(ctx context.Context, ev SessionChanged)

func (f SessionListenerFunc) OnSessionChanged(ctx context.Context, ev SessionChanged) {
	f(ctx, ev)
}

// ExpenseListenerFunc adapts a function to ExpenseListener.
type ExpenseListenerFunc func(ctx context.Context, ev ExpenseChanged)

func (f ExpenseListenerFunc) OnExpenseChanged(ctx context.Context, ev ExpenseChanged) {
	f(ctx, ev)
}

// Bus delivers events synchronously, in subscription order, on the
// publisher's goroutine.
type Bus struct {
	mu       sync.RWMutex
	sessions []SessionListener
	expenses []ExpenseListener
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) SubscribeSession(l SessionListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = append(b.sessions, l)
}

func (b *Bus) SubscribeExpense(l ExpenseListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expenses = append(b.expenses, l)
}

// PublishSession is a no-op on a nil bus.
func (b *Bus) PublishSession(ctx context.Context, ev SessionChanged) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	listeners := append([]SessionListener(nil), b.sessions...)
	b.mu.RUnlock()
	for _, l := range listeners {
		l.OnSessionChanged(ctx, ev)
	}
}

// PublishExpense is a no-op on a nil bus.
func (b *Bus) PublishExpense(ctx context.Context, ev ExpenseChanged) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	listeners := append([]ExpenseListener(nil), b.expenses...)
	b.mu.RUnlock()
	for _, l := range listeners {
		l.OnExpenseChanged(ctx, ev)
	}
}
