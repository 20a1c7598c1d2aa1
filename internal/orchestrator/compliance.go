package orchestrator

import (
	"context"

	"deltran/internal/identity"
	"deltran/internal/obligation"
)

// ComplianceGate implements settlement.ComplianceChecker. Compliance
// clearance is gated once, at obligation admission (internal/obligation's
// Service.Admit refuses anything with ComplianceCleared=false); by the
// time an obligation reaches settlement the only thing left to check is
// that it still exists and was never cancelled out from under the
// instruction between netting and execution.
type ComplianceGate struct {
	store obligation.Store
}

func NewComplianceGate(store obligation.Store) *ComplianceGate {
	return &ComplianceGate{store: store}
}

func (g *ComplianceGate) AllCleared(ctx context.Context, obligationIDs []identity.ObligationID) (bool, error) {
	for _, id := range obligationIDs {
		o, err := g.store.FindByID(ctx, id)
		if err != nil {
			return false, err
		}
		if o.Status == obligation.StatusCancelled {
			return false, nil
		}
	}
	return true, nil
}
