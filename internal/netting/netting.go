// Package netting implements the Netting Engine: per-currency directed
// multigraph construction, minimum-flow cycle elimination over strongly
// connected components, bilateral reduction, and net position emission
// (spec.md §4.2).
package netting

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"deltran/internal/identity"
	"deltran/internal/money"
	"deltran/internal/obligation"
	"deltran/pkg/config"
	"deltran/pkg/errors"
	"deltran/pkg/logger"
)

// Direction records which way a NetPosition's amount flows: BankA owes
// BankB, or the reverse.
type Direction string

const (
	DirectionAToB Direction = "a_to_b"
	DirectionBToA Direction = "b_to_a"
)

// NetPosition is the surviving directed balance between an unordered pair
// of banks in one currency after cycle elimination and bilateral
// reduction, together with the obligations that funded it.
type NetPosition struct {
	ID                       identity.NetPositionID
	WindowID                 identity.WindowID
	BankA                    identity.BankID
	BankB                    identity.BankID
	Currency                 money.Currency
	NetAmount                money.Money
	Direction                Direction
	ConstituentObligationIDs []identity.ObligationID
}

// CurrencyResult is one currency's netting outcome within a window.
type CurrencyResult struct {
	Currency    money.Currency
	Positions   []*NetPosition
	GrossVolume decimal.Decimal
	NetVolume   decimal.Decimal
	// Efficiency is 1 - netVolume/grossVolume, reported but not enforced
	// (spec.md §4.2).
	Efficiency decimal.Decimal
}

// Result is a window's full netting outcome, one CurrencyResult per
// currency present in the input obligation set. Currencies are never
// netted against each other.
type Result struct {
	WindowID   identity.WindowID
	ByCurrency map[money.Currency]*CurrencyResult
}

// Engine runs the netting algorithm. It holds no mutable state between
// runs; every Run call is independent and reproducible given the same
// obligation set.
type Engine struct {
	cfg config.NettingConfig
	log logger.Logger
}

func NewEngine(cfg config.NettingConfig, log logger.Logger) *Engine {
	return &Engine{cfg: cfg, log: log}
}

// Run nets a window's frozen obligation set. Obligations are grouped by
// currency and processed independently; within each currency they are
// sorted by obligation ID first, so the algorithm is deterministic given
// the same input (spec.md §5 ordering guarantee).
func (e *Engine) Run(ctx context.Context, windowID identity.WindowID, obligations []*obligation.Obligation) (*Result, error) {
	byCurrency := make(map[money.Currency][]*obligation.Obligation)
	for _, o := range obligations {
		byCurrency[o.Amount.Currency] = append(byCurrency[o.Amount.Currency], o)
	}

	result := &Result{WindowID: windowID, ByCurrency: make(map[money.Currency]*CurrencyResult)}
	for currency, obls := range byCurrency {
		sort.Slice(obls, func(i, j int) bool { return obls[i].ID.String() < obls[j].ID.String() })
		cr, err := e.netCurrency(windowID, currency, obls)
		if err != nil {
			return nil, fmt.Errorf("netting currency %s: %w", currency, err)
		}
		result.ByCurrency[currency] = cr
		if e.log != nil {
			e.log.Info("currency netted", map[string]interface{}{
				"window_id":    windowID.String(),
				"currency":     string(currency),
				"obligations":  len(obls),
				"net_positions": len(cr.Positions),
				"efficiency":   cr.Efficiency.StringFixed(4),
			})
		}
	}
	return result, nil
}

type pairKey struct {
	from, to identity.BankID
}

type edge struct {
	from, to      identity.BankID
	weight        decimal.Decimal
	obligationIDs []identity.ObligationID
}

func (e *Engine) netCurrency(windowID identity.WindowID, currency money.Currency, obls []*obligation.Obligation) (*CurrencyResult, error) {
	gross := decimal.Zero
	edges := make(map[pairKey]*edge)
	nodeSet := make(map[identity.BankID]bool)

	for _, o := range obls {
		if o.Amount.Currency != currency {
			return nil, errors.ErrNettingCurrencyMix
		}
		gross = gross.Add(o.Amount.Amount)
		nodeSet[o.DebtorBank] = true
		nodeSet[o.CreditorBank] = true

		k := pairKey{from: o.DebtorBank, to: o.CreditorBank}
		if ex, ok := edges[k]; ok {
			ex.weight = ex.weight.Add(o.Amount.Amount)
			ex.obligationIDs = append(ex.obligationIDs, o.ID)
		} else {
			edges[k] = &edge{
				from:          o.DebtorBank,
				to:            o.CreditorBank,
				weight:        o.Amount.Amount,
				obligationIDs: []identity.ObligationID{o.ID},
			}
		}
	}

	nodes := make([]identity.BankID, 0, len(nodeSet))
	for n := range nodeSet {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].String() < nodes[j].String() })

	if err := eliminateCycles(nodes, edges); err != nil {
		return nil, err
	}

	positions := bilateralReduce(windowID, currency, edges)
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].BankA != positions[j].BankA {
			return positions[i].BankA.String() < positions[j].BankA.String()
		}
		return positions[i].BankB.String() < positions[j].BankB.String()
	})

	net := decimal.Zero
	for _, p := range positions {
		net = net.Add(p.NetAmount.Amount)
	}

	if err := verifyConservation(obls, positions); err != nil {
		return nil, err
	}

	efficiency := decimal.Zero
	if gross.Sign() > 0 {
		efficiency = decimal.NewFromInt(1).Sub(net.Div(gross))
	}

	return &CurrencyResult{
		Currency:    currency,
		Positions:   positions,
		GrossVolume: gross,
		NetVolume:   net,
		Efficiency:  efficiency,
	}, nil
}

// eliminateCycles repeatedly finds strongly connected components of size
// > 1, locates a directed cycle inside one, subtracts the cycle's minimum
// edge weight from every edge on it, and drops edges that reach zero. The
// obligation ids of a dropped edge move onto the first surviving edge of
// the same cycle; when every edge of a cycle drops, its obligations are
// fully cancelled and belong to no net position. It repeats until no SCC
// contains a cycle (spec.md §4.2 step 2).
func eliminateCycles(nodes []identity.BankID, edges map[pairKey]*edge) error {
	for {
		adj := buildAdjacency(nodes, edges)
		components := kosaraju(nodes, adj)

		progressed := false
		for _, comp := range components {
			if len(comp) < 2 {
				continue
			}
			inSCC := make(map[identity.BankID]bool, len(comp))
			for _, n := range comp {
				inSCC[n] = true
			}
			cycle := findCycle(comp, adj, inSCC, edges)
			if cycle == nil {
				continue
			}
			minWeight := cycle[0].weight
			for _, e := range cycle[1:] {
				if e.weight.LessThan(minWeight) {
					minWeight = e.weight
				}
			}
			var survivor *edge
			var dropped []identity.ObligationID
			for _, e := range cycle {
				e.weight = e.weight.Sub(minWeight)
				if e.weight.Sign() <= 0 {
					delete(edges, pairKey{from: e.from, to: e.to})
					dropped = append(dropped, e.obligationIDs...)
				} else if survivor == nil {
					survivor = e
				}
			}
			if survivor != nil {
				survivor.obligationIDs = append(survivor.obligationIDs, dropped...)
			}
			progressed = true
			break // recompute SCCs from scratch; removing edges can split components
		}
		if !progressed {
			return nil
		}
	}
}

func buildAdjacency(nodes []identity.BankID, edges map[pairKey]*edge) map[identity.BankID][]*edge {
	adj := make(map[identity.BankID][]*edge, len(nodes))
	for _, n := range nodes {
		adj[n] = nil
	}
	keys := make([]pairKey, 0, len(edges))
	for k := range edges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].from != keys[j].from {
			return keys[i].from.String() < keys[j].from.String()
		}
		return keys[i].to.String() < keys[j].to.String()
	})
	for _, k := range keys {
		adj[k.from] = append(adj[k.from], edges[k])
	}
	return adj
}

// kosaraju returns the graph's strongly connected components via two
// depth-first passes (spec.md §4.2 step 2 names Kosaraju or Tarjan; this
// implements Kosaraju for clarity).
func kosaraju(nodes []identity.BankID, adj map[identity.BankID][]*edge) [][]identity.BankID {
	visited := make(map[identity.BankID]bool, len(nodes))
	var order []identity.BankID

	var dfs1 func(u identity.BankID)
	dfs1 = func(u identity.BankID) {
		visited[u] = true
		for _, e := range adj[u] {
			if !visited[e.to] {
				dfs1(e.to)
			}
		}
		order = append(order, u)
	}
	for _, n := range nodes {
		if !visited[n] {
			dfs1(n)
		}
	}

	transpose := make(map[identity.BankID][]identity.BankID, len(nodes))
	for u, es := range adj {
		for _, e := range es {
			transpose[e.to] = append(transpose[e.to], u)
		}
	}
	for k, vs := range transpose {
		sort.Slice(vs, func(i, j int) bool { return vs[i].String() < vs[j].String() })
		transpose[k] = vs
	}

	visited2 := make(map[identity.BankID]bool, len(nodes))
	var components [][]identity.BankID
	var dfs2 func(u identity.BankID, comp *[]identity.BankID)
	dfs2 = func(u identity.BankID, comp *[]identity.BankID) {
		visited2[u] = true
		*comp = append(*comp, u)
		for _, v := range transpose[u] {
			if !visited2[v] {
				dfs2(v, comp)
			}
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if !visited2[n] {
			comp := []identity.BankID{}
			dfs2(n, &comp)
			components = append(components, comp)
		}
	}
	return components
}

// findCycle locates one directed cycle whose nodes all lie within inSCC,
// via DFS tracking the current path. Returns the cycle's edges in order,
// or nil if none exists (which should not happen for a true SCC of size
// > 1, but callers treat nil defensively).
func findCycle(comp []identity.BankID, adj map[identity.BankID][]*edge, inSCC map[identity.BankID]bool, edges map[pairKey]*edge) []*edge {
	visited := make(map[identity.BankID]bool)
	onStack := make(map[identity.BankID]bool)
	var path []identity.BankID

	var found []*edge
	var dfs func(u identity.BankID) bool
	dfs = func(u identity.BankID) bool {
		visited[u] = true
		onStack[u] = true
		path = append(path, u)
		for _, e := range adj[u] {
			if !inSCC[e.to] {
				continue
			}
			if onStack[e.to] {
				idx := -1
				for i, n := range path {
					if n == e.to {
						idx = i
						break
					}
				}
				cycleNodes := append([]identity.BankID{}, path[idx:]...)
				cycleEdges := make([]*edge, 0, len(cycleNodes))
				for i := range cycleNodes {
					from := cycleNodes[i]
					to := cycleNodes[(i+1)%len(cycleNodes)]
					cycleEdges = append(cycleEdges, edges[pairKey{from: from, to: to}])
				}
				found = cycleEdges
				return true
			}
			if !visited[e.to] {
				if dfs(e.to) {
					return true
				}
			}
		}
		onStack[u] = false
		path = path[:len(path)-1]
		return false
	}

	for _, n := range comp {
		if !visited[n] {
			if dfs(n) {
				return found
			}
		}
	}
	return nil
}

// bilateralReduce combines, for every unordered pair {u,v}, the remaining
// u→v and v→u edges into a single net directed NetPosition (spec.md §4.2
// step 3-4). Zero-net pairs produce no row.
func bilateralReduce(windowID identity.WindowID, currency money.Currency, edges map[pairKey]*edge) []*NetPosition {
	seen := make(map[pairKey]bool)
	var positions []*NetPosition

	keys := make([]pairKey, 0, len(edges))
	for k := range edges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].from != keys[j].from {
			return keys[i].from.String() < keys[j].from.String()
		}
		return keys[i].to.String() < keys[j].to.String()
	})

	for _, k := range keys {
		reverse := pairKey{from: k.to, to: k.from}
		if seen[k] || seen[reverse] {
			continue
		}
		seen[k] = true
		seen[reverse] = true

		fwd := edges[k]
		back := edges[reverse]

		fwdWeight := decimal.Zero
		var fwdIDs []identity.ObligationID
		if fwd != nil {
			fwdWeight = fwd.weight
			fwdIDs = fwd.obligationIDs
		}
		backWeight := decimal.Zero
		var backIDs []identity.ObligationID
		if back != nil {
			backWeight = back.weight
			backIDs = back.obligationIDs
		}

		net := fwdWeight.Sub(backWeight)
		allIDs := append(append([]identity.ObligationID{}, fwdIDs...), backIDs...)
		sort.Slice(allIDs, func(i, j int) bool { return allIDs[i].String() < allIDs[j].String() })

		switch {
		case net.Sign() == 0:
			continue
		case net.Sign() > 0:
			positions = append(positions, &NetPosition{
				ID:                       identity.NewNetPositionID(),
				WindowID:                 windowID,
				BankA:                    k.from,
				BankB:                    k.to,
				Currency:                 currency,
				NetAmount:                money.MustNew(net, currency),
				Direction:                DirectionAToB,
				ConstituentObligationIDs: allIDs,
			})
		default:
			positions = append(positions, &NetPosition{
				ID:                       identity.NewNetPositionID(),
				WindowID:                 windowID,
				BankA:                    k.from,
				BankB:                    k.to,
				Currency:                 currency,
				NetAmount:                money.MustNew(net.Neg(), currency),
				Direction:                DirectionBToA,
				ConstituentObligationIDs: allIDs,
			})
		}
	}
	return positions
}

// verifyConservation checks spec.md §4.2's invariant: for every bank, the
// net outgoing-minus-incoming balance in the netting output must equal
// the gross outgoing-minus-incoming balance in the input obligation set.
func verifyConservation(obls []*obligation.Obligation, positions []*NetPosition) error {
	grossBalance := make(map[identity.BankID]decimal.Decimal)
	for _, o := range obls {
		grossBalance[o.DebtorBank] = grossBalance[o.DebtorBank].Sub(o.Amount.Amount)
		grossBalance[o.CreditorBank] = grossBalance[o.CreditorBank].Add(o.Amount.Amount)
	}
	netBalance := make(map[identity.BankID]decimal.Decimal)
	for _, p := range positions {
		from, to := p.BankA, p.BankB
		if p.Direction == DirectionBToA {
			from, to = p.BankB, p.BankA
		}
		netBalance[from] = netBalance[from].Sub(p.NetAmount.Amount)
		netBalance[to] = netBalance[to].Add(p.NetAmount.Amount)
	}
	for bank, gross := range grossBalance {
		net := netBalance[bank]
		if !gross.Equal(net) {
			return fmt.Errorf("%w: bank %s gross %s net %s", errors.ErrNettingConservation, bank, gross, net)
		}
	}
	for bank, net := range netBalance {
		if _, ok := grossBalance[bank]; !ok && net.Sign() != 0 {
			return fmt.Errorf("%w: bank %s net %s has no gross counterpart", errors.ErrNettingConservation, bank, net)
		}
	}
	return nil
}
