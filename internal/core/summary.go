package core

import "github.com/shopspring/decimal"

// CategoryAmount represents an amount aggregated by category.
type CategoryAmount struct {
	Category   Category
	Amount     decimal.Decimal
	Count      int
	Percentage decimal.Decimal // share of the total, 0-100
}

// Summary is the aggregate view over one user's expenses.
type Summary struct {
	Count      int
	Total      decimal.Decimal
	ByCategory []CategoryAmount // display order of Categories(), non-empty only
}

// Average is the mean amount per expense, rounded to cents. Zero when there
// are no expenses.
func (s Summary) Average() decimal.Decimal {
	if s.Count == 0 {
		return decimal.Zero
	}
	return s.Total.DivRound(decimal.NewFromInt(int64(s.Count)), 2)
}

// CategoriesUsed counts the categories with at least one expense.
func (s Summary) CategoriesUsed() int {
	return len(s.ByCategory)
}
