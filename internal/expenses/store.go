// Package expenses keeps the signed-in user's expenses in memory and mirrors
// every change to the key-value store.
//
// The in-memory list is rebuilt from storage whenever the active user
// changes (see OnSessionChanged). Each mutation updates the list first and
// then writes the whole list back under expenses_<userId>. A failed write is
// reported to the caller but not rolled back, so memory may be ahead of
// storage until the next successful write.
package expenses

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"expensebook/internal/core"
	"expensebook/internal/events"
	"expensebook/internal/kv"
	"expensebook/internal/log"

	"github.com/google/uuid"
)

var _ events.SessionListener = (*Store)(nil)

type Options struct {
	Logger *log.Logger
	Now    func() time.Time
	NewID  func() string
}

type Store struct {
	kv     kv.Store
	keys   kv.Keys
	bus    *events.Bus
	logger *log.Logger
	now    func() time.Time
	newID  func() string

	// mu serializes every operation, including the reload triggered by a
	// session change.
	mu      sync.Mutex
	userID  string
	items   []core.Expense
	loadErr error
}

func New(store kv.Store, keys kv.Keys, bus *events.Bus, opts Options) *Store {
	s := &Store{
		kv:     store,
		keys:   keys,
		bus:    bus,
		logger: opts.Logger,
		now:    opts.Now,
		newID:  opts.NewID,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.WithComponent(log.ComponentExpense)
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return "expense_" + uuid.NewString() }
	}
	return s
}

// OnSessionChanged replaces the cached list with the stored list of the new
// user, or empties it when nobody is signed in. A stored value that does not
// decode loads as an empty list. A failed read also leaves the list empty,
// but mutators retry the read before writing so the stored history is never
// replaced by that empty list.
func (s *Store) OnSessionChanged(ctx context.Context, ev events.SessionChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = nil
	s.userID = ""
	s.loadErr = nil
	if ev.Session == nil || ev.Session.ID == "" {
		s.logger.DebugContext(ctx, "No user, clearing expenses")
		return
	}
	s.userID = ev.Session.ID
	s.loadErr = s.loadLocked(ctx)
}

// loadLocked reads the active user's list into the cache. Only read
// failures are returned; undecodable data is logged and dropped.
func (s *Store) loadLocked(ctx context.Context) error {
	key := s.keys.Expenses(s.userID)
	var stored []core.Expense
	if _, err := kv.GetJSON(ctx, s.kv, key, &stored); err != nil {
		var decodeErr *kv.DecodeError
		errType := log.ErrorTypeStorage
		if errors.As(err, &decodeErr) {
			errType = log.ErrorTypeDecode
		}
		s.logger.ErrorContext(ctx, "Failed to load expenses",
			log.NewFields().WithOperation(log.OpLoad).WithKey(key).WithUser(s.userID, "").
				WithError(err, errType).ToSlice()...)
		if decodeErr != nil {
			return nil
		}
		return err
	}
	s.items = stored
	s.logger.DebugContext(ctx, "Expenses loaded",
		log.FieldUserID, s.userID,
		log.FieldExpenseCnt, len(stored))
	return nil
}

// readyLocked retries a failed load. Mutators must not write until the
// stored list has been read.
func (s *Store) readyLocked(ctx context.Context) error {
	if s.loadErr == nil {
		return nil
	}
	if err := s.loadLocked(ctx); err != nil {
		s.loadErr = err
		return fmt.Errorf("%w: stored expenses unreadable: %w", core.ErrStorage, err)
	}
	s.loadErr = nil
	return nil
}

// Add stores a new expense owned by the active user.
func (s *Store) Add(ctx context.Context, in core.ExpenseInput) (core.Expense, error) {
	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return core.Expense{}, core.ErrUnauthenticated
	}
	if err := s.readyLocked(ctx); err != nil {
		s.mu.Unlock()
		return core.Expense{}, fmt.Errorf("failed to add expense: %w", err)
	}

	e := core.Expense{
		ID:          s.newID(),
		Title:       in.Title,
		Amount:      in.Amount,
		Category:    in.Category,
		Description: in.Description,
		UserID:      s.userID,
		CreatedAt:   s.now().UTC(),
	}
	s.items = append(s.items, e)
	err := s.persistLocked(ctx, log.OpCreate)
	userID := s.userID
	s.mu.Unlock()

	s.publish(ctx, events.ExpenseAdded, userID, e.ID, e, err == nil)
	if err != nil {
		return e, fmt.Errorf("failed to add expense: %w", err)
	}
	s.logger.InfoContext(ctx, "Expense added",
		log.NewFields().WithOperation(log.OpCreate).WithUser(userID, "").
			WithExpense(e.ID, e.Title, core.FormatAmount(e.Amount), e.Category.String()).ToSlice()...)
	return e, nil
}

// Update merges patch into the active user's expense with the given id.
// When no such expense exists nothing changes and matched is false; the
// list is still written back and no error is returned.
func (s *Store) Update(ctx context.Context, id string, patch core.ExpensePatch) (updated core.Expense, matched bool, err error) {
	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return core.Expense{}, false, core.ErrUnauthenticated
	}
	if err := s.readyLocked(ctx); err != nil {
		s.mu.Unlock()
		return core.Expense{}, false, fmt.Errorf("failed to update expense: %w", err)
	}

	for i := range s.items {
		if s.items[i].ID == id && s.items[i].UserID == s.userID {
			s.items[i] = patch.Apply(s.items[i])
			updated = s.items[i]
			matched = true
			break
		}
	}
	err = s.persistLocked(ctx, log.OpUpdate)
	userID := s.userID
	s.mu.Unlock()

	if matched {
		s.publish(ctx, events.ExpenseUpdated, userID, id, updated, err == nil)
	}
	if err != nil {
		return updated, matched, fmt.Errorf("failed to update expense: %w", err)
	}
	if !matched {
		s.logger.DebugContext(ctx, "Update matched no expense", log.FieldExpenseID, id, log.FieldUserID, userID)
	}
	return updated, matched, nil
}

// Delete removes the active user's expense with the given id. Deleting an
// unknown id succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return core.ErrUnauthenticated
	}
	if err := s.readyLocked(ctx); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to delete expense: %w", err)
	}

	kept := s.items[:0:0]
	removed := false
	for _, e := range s.items {
		if e.ID == id && e.UserID == s.userID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	s.items = kept
	err := s.persistLocked(ctx, log.OpDelete)
	userID := s.userID
	s.mu.Unlock()

	if removed {
		s.publish(ctx, events.ExpenseDeleted, userID, id, core.Expense{}, err == nil)
	}
	if err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}
	if removed {
		s.logger.InfoContext(ctx, "Expense deleted", log.FieldExpenseID, id, log.FieldUserID, userID)
	}
	return nil
}

// Get returns the active user's expense with the given id.
func (s *Store) Get(id string) (core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.items {
		if e.ID == id && e.UserID == s.userID && s.userID != "" {
			return e, nil
		}
	}
	return core.Expense{}, core.ErrNotFound
}

// List returns the active user's expenses in insertion order.
func (s *Store) List() []core.Expense {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibleLocked()
}

// UserID returns the user whose expenses are loaded, if any.
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// visibleLocked copies the items owned by the active user. Stored lists may
// carry foreign rows if they were written by hand; those stay invisible.
func (s *Store) visibleLocked() []core.Expense {
	out := make([]core.Expense, 0, len(s.items))
	if s.userID == "" {
		return out
	}
	for _, e := range s.items {
		if e.UserID == s.userID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) persistLocked(ctx context.Context, op string) error {
	key := s.keys.Expenses(s.userID)
	items := s.items
	if items == nil {
		items = []core.Expense{}
	}
	if err := kv.SetJSON(ctx, s.kv, key, items); err != nil {
		s.logger.ErrorContext(ctx, "Failed to save expenses",
			log.NewFields().WithOperation(op).WithKey(key).WithUser(s.userID, "").
				WithError(err, log.ErrorTypeStorage).ToSlice()...)
		return fmt.Errorf("%w: %w", core.ErrStorage, err)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, action events.ExpenseAction, userID, id string, e core.Expense, persisted bool) {
	s.bus.PublishExpense(ctx, events.ExpenseChanged{
		Action:    action,
		UserID:    userID,
		ExpenseID: id,
		Expense:   e,
		Persisted: persisted,
		At:        s.now().UTC(),
	})
}
