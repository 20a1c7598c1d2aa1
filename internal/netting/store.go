package netting

import (
	"context"

	"deltran/internal/identity"
)

// Store persists a window's netting outcome and reads it back by window or
// by position id. The window orchestrator saves positions through it and
// builds instructions from the positions it has just computed.
type Store interface {
	SavePositions(ctx context.Context, windowID identity.WindowID, positions []*NetPosition) error
	FindByWindow(ctx context.Context, windowID identity.WindowID) ([]*NetPosition, error)
	FindByID(ctx context.Context, id identity.NetPositionID) (*NetPosition, error)
}

// SaveResult flattens a Result's per-currency positions and persists them
// in one call, so callers driving Engine.Run don't have to walk ByCurrency
// themselves.
func SaveResult(ctx context.Context, store Store, result *Result) error {
	var all []*NetPosition
	for _, cr := range result.ByCurrency {
		all = append(all, cr.Positions...)
	}
	return store.SavePositions(ctx, result.WindowID, all)
}
