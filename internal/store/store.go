// Package store persists orders, fills and portfolio snapshots. Every
// implementation is optional to the pipeline: callers log failures and keep
// trading on in-memory state.
package store

import (
	"context"

	"orderflow/internal/schema"
)

// Store is the persistence contract of the pipeline.
type Store interface {
	SaveOrder(ctx context.Context, o schema.Order) error
	SaveFill(ctx context.Context, f schema.Fill) error
	LoadOpenOrders(ctx context.Context) ([]schema.Order, error)
	SavePositionSnapshot(ctx context.Context, snap schema.PortfolioSnapshot) error
}
