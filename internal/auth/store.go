// Package auth owns the local user directory and the current session.
//
// Users are kept as one JSON array under a single key and looked up by
// linear scan; the current session is a separate key holding the
// password-free projection of the signed-in user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"expensebook/internal/core"
	"expensebook/internal/events"
	"expensebook/internal/kv"
	"expensebook/internal/log"

	"github.com/google/uuid"
)

// DefaultMinPasswordLength matches the registration form rule.
const DefaultMinPasswordLength = 6

type Options struct {
	MinPasswordLength int
	Logger            *log.Logger
	Now               func() time.Time
	NewID             func() string
}

// Store is the credential store. Construct one per process with New and
// share it; all methods are safe to call from one goroutine at a time and
// serialize internally.
type Store struct {
	kv     kv.Store
	keys   kv.Keys
	bus    *events.Bus
	logger *log.Logger
	minPwd int
	now    func() time.Time
	newID  func() string

	mu      sync.Mutex
	session *core.Session
	ready   bool
}

func New(store kv.Store, keys kv.Keys, bus *events.Bus, opts Options) *Store {
	s := &Store{
		kv:     store,
		keys:   keys,
		bus:    bus,
		logger: opts.Logger,
		minPwd: opts.MinPasswordLength,
		now:    opts.Now,
		newID:  opts.NewID,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.WithComponent(log.ComponentAuth)
	if s.minPwd <= 0 {
		s.minPwd = DefaultMinPasswordLength
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return "user_" + uuid.NewString() }
	}
	return s
}

// RestoreSession loads the persisted session. A missing, unreadable or
// malformed entry leaves the store signed out; it never fails.
func (s *Store) RestoreSession(ctx context.Context) *core.Session {
	s.mu.Lock()
	var sess core.Session
	ok, err := kv.GetJSON(ctx, s.kv, s.keys.Session, &sess)
	switch {
	case err != nil:
		s.logger.WarnContext(ctx, "Ignoring unreadable session",
			log.NewFields().WithOperation(log.OpRestore).WithKey(s.keys.Session).
				WithError(err, errorType(err)).ToSlice()...)
		s.session = nil
	case !ok || sess.ID == "":
		s.session = nil
	default:
		s.session = &sess
		s.logger.InfoContext(ctx, "Session restored", log.FieldUserID, sess.ID)
	}
	s.ready = true
	current := s.currentLocked()
	s.mu.Unlock()

	s.publish(ctx, current)
	return current
}

// Register creates a user and signs them in.
func (s *Store) Register(ctx context.Context, name, email, password string) (core.Session, error) {
	if len(password) < s.minPwd {
		return core.Session{}, fmt.Errorf("%w: must be at least %d characters", core.ErrWeakPassword, s.minPwd)
	}
	email = core.NormalizeEmail(email)
	name = strings.TrimSpace(name)

	s.mu.Lock()
	users, err := s.loadUsers(ctx)
	if err != nil {
		s.mu.Unlock()
		s.logger.ErrorContext(ctx, "Registration failed",
			log.NewFields().WithOperation(log.OpRegister).WithError(err, errorType(err)).ToSlice()...)
		return core.Session{}, fmt.Errorf("registration failed: %w: %w", core.ErrStorage, err)
	}

	for _, u := range users {
		if core.NormalizeEmail(u.Email) == email {
			s.mu.Unlock()
			s.logger.InfoContext(ctx, "Registration rejected, email taken",
				log.NewFields().WithOperation(log.OpRegister).WithUser("", email).
					WithError(core.ErrUserExists, log.ErrorTypeConflict).ToSlice()...)
			return core.Session{}, core.ErrUserExists
		}
	}

	user := core.User{
		ID:        s.newID(),
		Name:      name,
		Email:     email,
		Password:  password,
		CreatedAt: s.now().UTC(),
	}
	users = append(users, user)
	if err := kv.SetJSON(ctx, s.kv, s.keys.Users, users); err != nil {
		s.mu.Unlock()
		s.logger.ErrorContext(ctx, "Registration failed",
			log.NewFields().WithOperation(log.OpRegister).WithKey(s.keys.Users).
				WithError(err, log.ErrorTypeStorage).ToSlice()...)
		return core.Session{}, fmt.Errorf("registration failed: %w: %w", core.ErrStorage, err)
	}

	sess, err := s.activateLocked(ctx, user)
	s.mu.Unlock()
	if err != nil {
		return core.Session{}, fmt.Errorf("registration failed: %w: %w", core.ErrStorage, err)
	}

	s.logger.InfoContext(ctx, "User registered",
		log.NewFields().WithOperation(log.OpRegister).WithUser(user.ID, user.Email).ToSlice()...)
	s.publish(ctx, &sess)
	return sess, nil
}

// Login signs in the user whose email and password match exactly. The email
// is compared case-insensitively since registration stores it lowercased.
func (s *Store) Login(ctx context.Context, email, password string) (core.Session, error) {
	email = core.NormalizeEmail(email)

	s.mu.Lock()
	users, err := s.loadUsers(ctx)
	if err != nil {
		s.mu.Unlock()
		s.logger.ErrorContext(ctx, "Login failed",
			log.NewFields().WithOperation(log.OpLogin).WithError(err, errorType(err)).ToSlice()...)
		return core.Session{}, fmt.Errorf("login failed: %w: %w", core.ErrStorage, err)
	}

	var found *core.User
	for i := range users {
		if core.NormalizeEmail(users[i].Email) == email && users[i].Password == password {
			found = &users[i]
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "Login rejected",
			log.NewFields().WithOperation(log.OpLogin).WithUser("", email).
				WithError(core.ErrInvalidCredentials, log.ErrorTypeAuth).ToSlice()...)
		return core.Session{}, core.ErrInvalidCredentials
	}

	sess, err := s.activateLocked(ctx, *found)
	s.mu.Unlock()
	if err != nil {
		return core.Session{}, fmt.Errorf("login failed: %w: %w", core.ErrStorage, err)
	}

	s.logger.InfoContext(ctx, "User logged in",
		log.NewFields().WithOperation(log.OpLogin).WithUser(sess.ID, sess.Email).ToSlice()...)
	s.publish(ctx, &sess)
	return sess, nil
}

// Logout forgets the current session. Removing the persisted entry is best
// effort: a failure is logged and the in-memory session is cleared anyway.
func (s *Store) Logout(ctx context.Context) {
	s.mu.Lock()
	var userID string
	if s.session != nil {
		userID = s.session.ID
	}
	if err := s.kv.Remove(ctx, s.keys.Session); err != nil {
		s.logger.ErrorContext(ctx, "Failed to remove persisted session",
			log.NewFields().WithOperation(log.OpLogout).WithKey(s.keys.Session).
				WithError(err, log.ErrorTypeStorage).ToSlice()...)
	}
	s.session = nil
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "User logged out", log.FieldUserID, userID)
	s.publish(ctx, nil)
}

// Current returns the active session.
func (s *Store) Current() (core.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return core.Session{}, false
	}
	return *s.session, true
}

// Ready reports whether RestoreSession has completed.
func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Store) loadUsers(ctx context.Context) ([]core.User, error) {
	var users []core.User
	if _, err := kv.GetJSON(ctx, s.kv, s.keys.Users, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// activateLocked persists the session projection of u and makes it current.
func (s *Store) activateLocked(ctx context.Context, u core.User) (core.Session, error) {
	sess := core.SessionOf(u)
	if err := kv.SetJSON(ctx, s.kv, s.keys.Session, sess); err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist session",
			log.NewFields().WithKey(s.keys.Session).WithUser(u.ID, "").
				WithError(err, log.ErrorTypeStorage).ToSlice()...)
		return core.Session{}, err
	}
	s.session = &sess
	s.ready = true
	return sess, nil
}

func (s *Store) currentLocked() *core.Session {
	if s.session == nil {
		return nil
	}
	sess := *s.session
	return &sess
}

func (s *Store) publish(ctx context.Context, sess *core.Session) {
	s.bus.PublishSession(ctx, events.SessionChanged{Session: sess, At: s.now().UTC()})
}

func errorType(err error) string {
	var decodeErr *kv.DecodeError
	if errors.As(err, &decodeErr) {
		return log.ErrorTypeDecode
	}
	return log.ErrorTypeStorage
}
