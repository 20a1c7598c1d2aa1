package postgres

import (
	"context"

	"deltran/internal/window"
)

// WindowLookupAdapter adapts WindowRepository to obligation.WindowLookup,
// resolving the single window currently admitting obligations via
// window.FindAdmitting rather than duplicating that open/closing
// precedence rule at the call site.
type WindowLookupAdapter struct {
	repo *WindowRepository
}

func NewWindowLookupAdapter(repo *WindowRepository) *WindowLookupAdapter {
	return &WindowLookupAdapter{repo: repo}
}

func (a *WindowLookupAdapter) FindOpenWindow(ctx context.Context) (*window.Window, error) {
	return window.FindAdmitting(ctx, a.repo)
}
