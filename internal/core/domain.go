package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	FoodAndDining     Category = "Food & Dining"
	Transportation    Category = "Transportation"
	Shopping          Category = "Shopping"
	Entertainment     Category = "Entertainment"
	BillsAndUtilities Category = "Bills & Utilities"
	Healthcare        Category = "Healthcare"
	Travel            Category = "Travel"
	Education         Category = "Education"
	Other             Category = "Other"
)

type (
	Category string

	// User is a registered account as persisted in the user directory.
	// Password is stored in plaintext; the directory is a local device file
	// and was never meant to resist an attacker with access to it.
	User struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Email     string    `json:"email"`
		Password  string    `json:"password"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// Session is the projection of a User exposed to callers and persisted
	// as the current session. It carries no password.
	Session struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}

	Expense struct {
		ID          string          `json:"id"`
		Title       string          `json:"title"`
		Amount      decimal.Decimal `json:"amount"`
		Category    Category        `json:"category"`
		Description string          `json:"description"`
		UserID      string          `json:"userId"`
		CreatedAt   time.Time       `json:"createdAt"`
	}

	// ExpenseInput holds the caller supplied fields of a new expense.
	ExpenseInput struct {
		Title       string
		Amount      decimal.Decimal
		Category    Category
		Description string
	}

	// ExpensePatch holds the fields to merge into an existing expense.
	// Nil fields are left untouched.
	ExpensePatch struct {
		Title       *string
		Amount      *decimal.Decimal
		Category    *Category
		Description *string
	}
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("user not authenticated")
	ErrStorage            = errors.New("storage failure")
	ErrNotFound           = errors.New("expense not found")
	ErrWeakPassword       = errors.New("password too short")

	ErrValidation      = errors.New("validation failed")
	ErrEmptyTitle      = fmt.Errorf("%w: empty title", ErrValidation)
	ErrInvalidAmount   = fmt.Errorf("%w: amount must be a number greater than zero", ErrValidation)
	ErrInvalidCategory = fmt.Errorf("%w: unknown category", ErrValidation)
)

// Categories returns the selectable categories in display order.
func Categories() []Category {
	return []Category{
		FoodAndDining,
		Transportation,
		Shopping,
		Entertainment,
		BillsAndUtilities,
		Healthcare,
		Travel,
		Education,
		Other,
	}
}

func (c Category) IsValid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

func (c Category) String() string {
	return string(c)
}

// ParseCategory matches s against the known categories ignoring case and
// surrounding whitespace.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	for _, c := range Categories() {
		if strings.EqualFold(s, string(c)) {
			return c, nil
		}
	}
	return "", ErrInvalidCategory
}

// MarshalJSON writes Amount as a bare JSON number, the shape stored lists
// have always used. Decoding accepts numbers and quoted strings.
func (e Expense) MarshalJSON() ([]byte, error) {
	type plain Expense
	return json.Marshal(struct {
		plain
		Amount json.Number `json:"amount"`
	}{plain(e), json.Number(e.Amount.String())})
}

// SessionOf projects a user onto the session shape.
func SessionOf(u User) Session {
	return Session{ID: u.ID, Email: u.Email, Name: u.Name}
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate checks the form rules applied before an expense reaches the store.
func (in ExpenseInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return ErrEmptyTitle
	}
	if !in.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !in.Category.IsValid() {
		return ErrInvalidCategory
	}
	return nil
}

// Validate checks the fields present in the patch with the same rules as
// ExpenseInput.
func (p ExpensePatch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return ErrEmptyTitle
	}
	if p.Amount != nil && !p.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if p.Category != nil && !p.Category.IsValid() {
		return ErrInvalidCategory
	}
	return nil
}

// IsEmpty reports whether the patch changes nothing.
func (p ExpensePatch) IsEmpty() bool {
	return p.Title == nil && p.Amount == nil && p.Category == nil && p.Description == nil
}

// Apply merges the patch into e. Ownership fields are never touched.
func (p ExpensePatch) Apply(e Expense) Expense {
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Amount != nil {
		e.Amount = *p.Amount
	}
	if p.Category != nil {
		e.Category = *p.Category
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	return e
}
