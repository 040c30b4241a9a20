package expenses

import (
	"sort"
	"strings"

	"expensebook/internal/core"

	"github.com/shopspring/decimal"
)

// DefaultRecent is how many expenses the dashboard shows.
const DefaultRecent = 5

// TotalAmount sums the active user's expenses. It is zero when there are none.
func (s *Store) TotalAmount() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, e := range s.visibleLocked() {
		total = total.Add(e.Amount)
	}
	return total
}

// TotalsByCategory sums the active user's expenses per category. Categories
// without expenses are absent.
func (s *Store) TotalsByCategory() map[core.Category]decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := make(map[core.Category]decimal.Decimal)
	for _, e := range s.visibleLocked() {
		totals[e.Category] = totals[e.Category].Add(e.Amount)
	}
	return totals
}

// Recent returns up to n of the active user's expenses, newest first.
func (s *Store) Recent(n int) []core.Expense {
	s.mu.Lock()
	items := s.visibleLocked()
	s.mu.Unlock()

	sortNewestFirst(items)
	if n >= 0 && len(items) > n {
		items = items[:n]
	}
	return items
}

// Search returns the active user's expenses whose title or description
// contains query (case-insensitive), optionally limited to one category,
// newest first. An empty query matches everything.
func (s *Store) Search(query string, category core.Category) []core.Expense {
	s.mu.Lock()
	items := s.visibleLocked()
	s.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(query))
	out := items[:0]
	for _, e := range items {
		if category != "" && e.Category != category {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(e.Title), q) &&
			!strings.Contains(strings.ToLower(e.Description), q) {
			continue
		}
		out = append(out, e)
	}
	sortNewestFirst(out)
	return out
}

// TopCategory returns the category with the largest total. ok is false when
// the user has no expenses. Ties go to the category listed last.
func (s *Store) TopCategory() (core.Category, decimal.Decimal, bool) {
	sum := s.Summary()
	if len(sum.ByCategory) == 0 {
		return "", decimal.Zero, false
	}
	top := sum.ByCategory[0]
	for _, ca := range sum.ByCategory[1:] {
		if ca.Amount.GreaterThanOrEqual(top.Amount) {
			top = ca
		}
	}
	return top.Category, top.Amount, true
}

// Summary aggregates the active user's expenses for the dashboard. Known
// categories come first in display order, followed by any unknown ones
// found in stored data, alphabetically.
func (s *Store) Summary() core.Summary {
	s.mu.Lock()
	items := s.visibleLocked()
	s.mu.Unlock()

	sum := core.Summary{Count: len(items), Total: decimal.Zero}
	byCat := make(map[core.Category]*core.CategoryAmount)
	for _, e := range items {
		sum.Total = sum.Total.Add(e.Amount)
		ca, ok := byCat[e.Category]
		if !ok {
			ca = &core.CategoryAmount{Category: e.Category, Amount: decimal.Zero}
			byCat[e.Category] = ca
		}
		ca.Amount = ca.Amount.Add(e.Amount)
		ca.Count++
	}

	order := core.Categories()
	var extra []core.Category
	for c := range byCat {
		if !c.IsValid() {
			extra = append(extra, c)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	order = append(order, extra...)

	hundred := decimal.NewFromInt(100)
	for _, c := range order {
		ca, ok := byCat[c]
		if !ok {
			continue
		}
		if sum.Total.IsPositive() {
			ca.Percentage = ca.Amount.Mul(hundred).DivRound(sum.Total, 2)
		}
		sum.ByCategory = append(sum.ByCategory, *ca)
	}
	return sum
}

func sortNewestFirst(items []core.Expense) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
