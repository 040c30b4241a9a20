package sheets

import (
	"context"

	"expensebook/internal/core"
)

// Ports for outbound adapters.
type (
	// ExpenseExporter writes a snapshot of one user's expenses somewhere
	// outside the device and returns a reference to what it wrote.
	ExpenseExporter interface {
		Export(ctx context.Context, owner core.Session, expenses []core.Expense) (ref string, err error)
	}
)
