// Package kv defines the string keyed store every piece of durable state is
// written to, and the key names used inside it.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is an asynchronous-style string key/value store. Get reports a
// missing key with ok == false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Layout selects the key naming scheme.
type Layout string

const (
	// Namespaced is the current scheme: currentUser / allUsers.
	Namespaced Layout = "namespaced"
	// Legacy is the scheme used by early installs: user / users.
	Legacy Layout = "legacy"
)

// IsValid returns true if the layout is known
func (l Layout) IsValid() bool {
	return l == Namespaced || l == Legacy
}

// Keys names the entries the stores read and write.
type Keys struct {
	Session        string
	Users          string
	ExpensesPrefix string
}

// KeysFor returns the key names of a layout. Unknown layouts get Namespaced.
func KeysFor(l Layout) Keys {
	if l == Legacy {
		return Keys{Session: "user", Users: "users", ExpensesPrefix: "expenses_"}
	}
	return Keys{Session: "currentUser", Users: "allUsers", ExpensesPrefix: "expenses_"}
}

// Expenses returns the key holding one user's expense list.
func (k Keys) Expenses(userID string) string {
	return k.ExpensesPrefix + userID
}

// GetJSON reads key and decodes it into v. A missing key leaves v untouched
// and returns ok == false.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return true, &DecodeError{Key: key, Err: err}
	}
	return true, nil
}

// SetJSON encodes v and writes it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// DecodeError reports a stored value that is not valid JSON for its shape.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
