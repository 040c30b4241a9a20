package expenses_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"expensebook/internal/auth"
	"expensebook/internal/core"
	"expensebook/internal/events"
	"expensebook/internal/expenses"
	"expensebook/internal/kv"
	"expensebook/internal/kv/memory"
	"expensebook/internal/log"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// app wires the two stores the way cmd/expensebook does
type app struct {
	kv       *memory.Store
	auth     *auth.Store
	expenses *expenses.Store
	changes  []events.ExpenseChanged
	clock    time.Time
}

func newApp(t *testing.T, backing *memory.Store) *app {
	t.Helper()
	return newAppOn(t, backing, backing)
}

// newAppOn wires the stores to store while raw stays reachable for
// inspecting what was written.
func newAppOn(t *testing.T, raw *memory.Store, store kv.Store) *app {
	t.Helper()
	a := &app{kv: raw, clock: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	keys := kv.KeysFor(kv.Namespaced)
	bus := events.NewBus()
	seq := 0
	now := func() time.Time {
		a.clock = a.clock.Add(time.Minute)
		return a.clock
	}

	a.auth = auth.New(store, keys, bus, auth.Options{Logger: log.Discard(), Now: now})
	a.expenses = expenses.New(store, keys, bus, expenses.Options{
		Logger: log.Discard(),
		Now:    now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("expense_%d", seq)
		},
	})
	bus.SubscribeSession(a.expenses)
	bus.SubscribeExpense(events.ExpenseListenerFunc(func(_ context.Context, ev events.ExpenseChanged) {
		a.changes = append(a.changes, ev)
	}))
	a.auth.RestoreSession(context.Background())
	return a
}

func input(title, amount string, c core.Category) core.ExpenseInput {
	return core.ExpenseInput{Title: title, Amount: decimal.RequireFromString(amount), Category: c}
}

func TestAddRequiresSession(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, memory.New())

	_, err := a.expenses.Add(ctx, input("Lunch", "10", core.FoodAndDining))
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
	_, _, err = a.expenses.Update(ctx, "expense_1", core.ExpensePatch{})
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
	assert.ErrorIs(t, a.expenses.Delete(ctx, "expense_1"), core.ErrUnauthenticated)
	assert.Empty(t, a.expenses.List())
	assert.True(t, a.expenses.TotalAmount().IsZero())
}

func TestAddForcesOwnerAndTimestamps(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, memory.New())
	sess, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)

	e, err := a.expenses.Add(ctx, core.ExpenseInput{
		Title:       "Train",
		Amount:      decimal.RequireFromString("12.40"),
		Category:    core.Transportation,
		Description: "to work",
	})
	require.NoError(t, err)
	assert.Equal(t, "expense_1", e.ID)
	assert.Equal(t, sess.ID, e.UserID)
	assert.False(t, e.CreatedAt.IsZero())

	list := a.expenses.List()
	require.Len(t, list, 1)
	assert.Equal(t, e, list[0])

	raw, ok := a.kv.Raw("expenses_" + sess.ID)
	require.True(t, ok)
	assert.Contains(t, raw, `"userId":"`+sess.ID+`"`)
	assert.Contains(t, raw, `"amount":12.4`)

	require.Len(t, a.changes, 1)
	assert.Equal(t, events.ExpenseAdded, a.changes[0].Action)
	assert.True(t, a.changes[0].Persisted)
}

func TestAggregation(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, memory.New())
	_, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)

	for _, in := range []core.ExpenseInput{
		input("Pizza", "10", core.FoodAndDining),
		input("Coffee", "5", core.FoodAndDining),
		input("Hotel", "7", core.Travel),
	} {
		_, err := a.expenses.Add(ctx, in)
		require.NoError(t, err)
	}

	assert.True(t, a.expenses.TotalAmount().Equal(decimal.NewFromInt(22)))
	totals := a.expenses.TotalsByCategory()
	assert.Len(t, totals, 2)
	assert.True(t, totals[core.FoodAndDining].Equal(decimal.NewFromInt(15)))
	assert.True(t, totals[core.Travel].Equal(decimal.NewFromInt(7)))
	_, present := totals[core.Shopping]
	assert.False(t, present, "empty categories are absent")

	top, amount, ok := a.expenses.TopCategory()
	assert.True(t, ok)
	assert.Equal(t, core.FoodAndDining, top)
	assert.True(t, amount.Equal(decimal.NewFromInt(15)))

	sum := a.expenses.Summary()
	assert.Equal(t, 3, sum.Count)
	require.Len(t, sum.ByCategory, 2)
	assert.Equal(t, core.FoodAndDining, sum.ByCategory[0].Category)
	assert.Equal(t, 2, sum.ByCategory[0].Count)
	assert.Equal(t, "68.18", sum.ByCategory[0].Percentage.StringFixed(2))
	assert.Equal(t, "31.82", sum.ByCategory[1].Percentage.StringFixed(2))
}

func TestTopCategoryTieGoesToLaterCategory(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, memory.New())
	_, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)

	for _, in := range []core.ExpenseInput{
		input("Hotel", "8", core.Travel),
		input("Pizza", "8", core.FoodAndDining),
		input("Socks", "3", core.Shopping),
	} {
		_, err := a.expenses.Add(ctx, in)
		require.NoError(t, err)
	}

	top, amount, ok := a.expenses.TopCategory()
	require.True(t, ok)
	assert.Equal(t, core.Travel, top)
	assert.True(t, amount.Equal(decimal.NewFromInt(8)))
}

func TestEmptyAggregates(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, memory.New())
	_, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)

	assert.True(t, a.expenses.TotalAmount().IsZero())
	assert.Empty(t, a.expenses.TotalsByCategory())
	_, _, ok := a.expenses.TopCategory()
	assert.False(t, ok)
	assert.Empty(t, a.expenses.Summary().ByCategory)
}

func TestPerUserIsolation(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, memory.New())

	_, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)
	annExpense, err := a.expenses.Add(ctx, input("Ann's lunch", "10", core.FoodAndDining))
	require.NoError(t, err)
	a.auth.Logout(ctx)

	_, err = a.auth.Register(ctx, "Bob", "b@x.com", "secret2")
	require.NoError(t, err)
	assert.Empty(t, a.expenses.List())

	title := "hijacked"
	_, matched, err := a.expenses.Update(ctx, annExpense.ID, core.ExpensePatch{Title: &title})
	require.NoError(t, err)
	assert.False(t, matched)
	require.NoError(t, a.expenses.Delete(ctx, annExpense.ID))
	_, err = a.expenses.Get(annExpense.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	a.auth.Logout(ctx)
	_, err = a.auth.Login(ctx, "a@x.com", "secret1")
	require.NoError(t, err)
	list := a.expenses.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Ann's lunch", list[0].Title)
}

func TestForeignRowsInStoredListStayInvisible(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	a := newApp(t, backing)
	sess, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, backing.Set(ctx, "expenses_"+sess.ID,
		`[{"id":"x1","title":"mine","amount":"3","category":"Other","userId":"`+sess.ID+`"},`+
			`{"id":"x2","title":"theirs","amount":"9","category":"Other","userId":"someone_else"}]`))
	a.auth.Logout(ctx)
	_, err = a.auth.Login(ctx, "a@x.com", "secret1")
	require.NoError(t, err)

	list := a.expenses.List()
	require.Len(t, list, 1)
	assert.Equal(t, "x1", list[0].ID)
	assert.True(t, a.expenses.TotalAmount().Equal(decimal.NewFromInt(3)))
	require.NoError(t, a.expenses.Delete(ctx, "x2"))

	raw, _ := backing.Raw("expenses_" + sess.ID)
	assert.Contains(t, raw, `"x2"`, "foreign rows are preserved, not deleted")
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, memory.New())
	sess, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)
	e, err := a.expenses.Add(ctx, input("Lunch", "10", core.FoodAndDining))
	require.NoError(t, err)

	title := "Dinner"
	amount := decimal.RequireFromString("25.5")
	updated, matched, err := a.expenses.Update(ctx, e.ID, core.ExpensePatch{Title: &title, Amount: &amount})
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, "Dinner", updated.Title)
	assert.True(t, updated.Amount.Equal(amount))
	assert.Equal(t, sess.ID, updated.UserID)
	assert.Equal(t, e.CreatedAt, updated.CreatedAt)
	assert.Equal(t, core.FoodAndDining, updated.Category)

	_, matched, err = a.expenses.Update(ctx, "expense_missing", core.ExpensePatch{Title: &title})
	require.NoError(t, err, "unknown ids are a no-op, not a failure")
	assert.False(t, matched)
	assert.Len(t, a.expenses.List(), 1)
}

func TestIdempotentDelete(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, memory.New())
	_, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)
	keep, err := a.expenses.Add(ctx, input("Keep", "1", core.Other))
	require.NoError(t, err)
	drop, err := a.expenses.Add(ctx, input("Drop", "2", core.Other))
	require.NoError(t, err)

	require.NoError(t, a.expenses.Delete(ctx, drop.ID))
	after := a.expenses.List()
	require.NoError(t, a.expenses.Delete(ctx, drop.ID))
	assert.Equal(t, after, a.expenses.List())
	require.Len(t, after, 1)
	assert.Equal(t, keep.ID, after[0].ID)
}

func TestRoundTripAcrossRestart(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	first := newApp(t, backing)
	_, err := first.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)
	for _, in := range []core.ExpenseInput{
		input("One", "1.10", core.Shopping),
		input("Two", "2.20", core.Healthcare),
		input("Three", "3.30", core.Education),
	} {
		_, err := first.expenses.Add(ctx, in)
		require.NoError(t, err)
	}
	before := first.expenses.List()

	second := newApp(t, backing)
	after := second.expenses.List()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Title, after[i].Title)
		assert.True(t, before[i].Amount.Equal(after[i].Amount))
		assert.Equal(t, before[i].Category, after[i].Category)
		assert.Equal(t, before[i].UserID, after[i].UserID)
		assert.True(t, before[i].CreatedAt.Equal(after[i].CreatedAt))
	}
}

func TestLogoutClearsVisibility(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, memory.New())
	_, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)
	_, err = a.expenses.Add(ctx, input("Lunch", "10", core.FoodAndDining))
	require.NoError(t, err)

	a.auth.Logout(ctx)
	assert.Empty(t, a.expenses.List())
	assert.Empty(t, a.expenses.Recent(5))
	assert.Empty(t, a.expenses.UserID())
	_, err = a.expenses.Add(ctx, input("Lunch", "10", core.FoodAndDining))
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestWriteFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	a := newApp(t, backing)
	sess, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)

	backing.Fail(errors.New("quota exceeded"))
	e, err := a.expenses.Add(ctx, input("Lunch", "10", core.FoodAndDining))
	backing.Fail(nil)

	assert.ErrorIs(t, err, core.ErrStorage)
	assert.Contains(t, err.Error(), "failed to add expense")
	list := a.expenses.List()
	require.Len(t, list, 1, "cache is not rolled back")
	assert.Equal(t, e.ID, list[0].ID)
	_, ok := backing.Raw("expenses_" + sess.ID)
	assert.False(t, ok)

	require.Len(t, a.changes, 1)
	assert.False(t, a.changes[0].Persisted)

	// the next successful write catches storage up
	_, err = a.expenses.Add(ctx, input("Coffee", "2", core.FoodAndDining))
	require.NoError(t, err)
	raw, _ := backing.Raw("expenses_" + sess.ID)
	assert.Contains(t, raw, e.ID)
}

func TestCorruptStoredListLoadsEmpty(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	a := newApp(t, backing)
	sess, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)
	a.auth.Logout(ctx)

	require.NoError(t, backing.Set(ctx, "expenses_"+sess.ID, "oops"))
	_, err = a.auth.Login(ctx, "a@x.com", "secret1")
	require.NoError(t, err)
	assert.Empty(t, a.expenses.List())
}

func TestRecentAndSearch(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, memory.New())
	_, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)

	titles := []string{"Groceries", "Bus ticket", "Cinema", "Pharmacy", "Flight", "Books", "Electricity"}
	cats := []core.Category{core.FoodAndDining, core.Transportation, core.Entertainment, core.Healthcare, core.Travel, core.Education, core.BillsAndUtilities}
	for i := range titles {
		in := input(titles[i], "1", cats[i])
		if titles[i] == "Flight" {
			in.Description = "cheap ticket to Rome"
		}
		_, err := a.expenses.Add(ctx, in)
		require.NoError(t, err)
	}

	recent := a.expenses.Recent(expenses.DefaultRecent)
	require.Len(t, recent, 5)
	assert.Equal(t, "Electricity", recent[0].Title)
	assert.Equal(t, "Cinema", recent[4].Title)

	found := a.expenses.Search("TICKET", "")
	require.Len(t, found, 2)
	assert.Equal(t, "Flight", found[0].Title)
	assert.Equal(t, "Bus ticket", found[1].Title)

	found = a.expenses.Search("ticket", core.Transportation)
	require.Len(t, found, 1)
	assert.Equal(t, "Bus ticket", found[0].Title)

	assert.Len(t, a.expenses.Search("", ""), len(titles))

	// List keeps insertion order regardless of the sorted views
	assert.Equal(t, "Groceries", a.expenses.List()[0].Title)
}

// flakyStore fails reads of expense lists while failGets is positive.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failGets int
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	if f.failGets > 0 && strings.HasPrefix(key, "expenses_") {
		f.failGets--
		f.mu.Unlock()
		return "", false, errors.New("disk read error")
	}
	f.mu.Unlock()
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) setFailGets(n int) {
	f.mu.Lock()
	f.failGets = n
	f.mu.Unlock()
}

// seedThree registers Ann on backing and stores three expenses for her.
func seedThree(t *testing.T, backing *memory.Store) core.Session {
	t.Helper()
	ctx := context.Background()
	a := newApp(t, backing)
	sess, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)

	created := time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC)
	var seeded []core.Expense
	for i, in := range []core.ExpenseInput{
		input("Lunch", "10", core.FoodAndDining),
		input("Train", "4", core.Transportation),
		input("Book", "12", core.Education),
	} {
		seeded = append(seeded, core.Expense{
			ID:        fmt.Sprintf("seed_%d", i+1),
			Title:     in.Title,
			Amount:    in.Amount,
			Category:  in.Category,
			UserID:    sess.ID,
			CreatedAt: created.Add(time.Duration(i) * time.Hour),
		})
	}
	require.NoError(t, kv.SetJSON(ctx, backing, "expenses_"+sess.ID, seeded))
	return sess
}

func storedCount(t *testing.T, backing *memory.Store, userID string) int {
	t.Helper()
	raw, ok := backing.Raw("expenses_" + userID)
	require.True(t, ok)
	var stored []core.Expense
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	return len(stored)
}

func TestFailedReloadIsRetriedBeforeWriting(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	sess := seedThree(t, backing)

	// restart with the first read of the list failing
	flaky := &flakyStore{Store: backing, failGets: 1}
	a := newAppOn(t, backing, flaky)
	require.Equal(t, sess.ID, a.expenses.UserID())
	assert.Empty(t, a.expenses.List())

	_, err := a.expenses.Add(ctx, input("New", "1", core.Other))
	require.NoError(t, err)
	assert.Len(t, a.expenses.List(), 4)
	assert.Equal(t, 4, storedCount(t, backing, sess.ID))
}

func TestUnreadableListBlocksMutators(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	sess := seedThree(t, backing)
	before, _ := backing.Raw("expenses_" + sess.ID)

	flaky := &flakyStore{Store: backing, failGets: 1000}
	a := newAppOn(t, backing, flaky)

	_, err := a.expenses.Add(ctx, input("New", "1", core.Other))
	assert.ErrorIs(t, err, core.ErrStorage)
	assert.Contains(t, err.Error(), "failed to add expense")

	_, _, err = a.expenses.Update(ctx, "seed_1", core.ExpensePatch{})
	assert.ErrorIs(t, err, core.ErrStorage)

	err = a.expenses.Delete(ctx, "seed_1")
	assert.ErrorIs(t, err, core.ErrStorage)

	after, _ := backing.Raw("expenses_" + sess.ID)
	assert.Equal(t, before, after, "stored history untouched")
	assert.Empty(t, a.changes)

	flaky.setFailGets(0)
	_, err = a.expenses.Add(ctx, input("New", "1", core.Other))
	require.NoError(t, err)
	assert.Equal(t, 4, storedCount(t, backing, sess.ID))
}

func TestUpdateWriteFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	a := newApp(t, backing)
	sess, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)
	e, err := a.expenses.Add(ctx, input("Lunch", "10", core.FoodAndDining))
	require.NoError(t, err)
	stored, _ := backing.Raw("expenses_" + sess.ID)

	title := "Dinner"
	backing.Fail(errors.New("quota exceeded"))
	_, matched, err := a.expenses.Update(ctx, e.ID, core.ExpensePatch{Title: &title})
	backing.Fail(nil)

	assert.True(t, matched)
	assert.ErrorIs(t, err, core.ErrStorage)
	assert.Contains(t, err.Error(), "failed to update expense")
	got, err := a.expenses.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dinner", got.Title, "cache is not rolled back")
	raw, _ := backing.Raw("expenses_" + sess.ID)
	assert.Equal(t, stored, raw)

	require.Len(t, a.changes, 2)
	assert.Equal(t, events.ExpenseUpdated, a.changes[1].Action)
	assert.False(t, a.changes[1].Persisted)
}

func TestDeleteWriteFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	a := newApp(t, backing)
	sess, err := a.auth.Register(ctx, "Ann", "a@x.com", "secret1")
	require.NoError(t, err)
	e, err := a.expenses.Add(ctx, input("Lunch", "10", core.FoodAndDining))
	require.NoError(t, err)

	backing.Fail(errors.New("quota exceeded"))
	err = a.expenses.Delete(ctx, e.ID)
	backing.Fail(nil)

	assert.ErrorIs(t, err, core.ErrStorage)
	assert.Contains(t, err.Error(), "failed to delete expense")
	assert.Empty(t, a.expenses.List(), "cache is not rolled back")
	assert.Equal(t, 1, storedCount(t, backing, sess.ID))

	require.Len(t, a.changes, 2)
	assert.Equal(t, events.ExpenseDeleted, a.changes[1].Action)
	assert.False(t, a.changes[1].Persisted)
}
