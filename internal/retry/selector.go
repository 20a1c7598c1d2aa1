package retry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"deltran/internal/rail"
	"deltran/pkg/errors"
)

// HealthTracker records each rail invocation's outcome and latency in
// Redis and reports a success rate over every outcome recorded so far and
// a p95 latency over the latest sampleWindow latencies, the signal
// the Selector uses to temporarily promote a fallback over a nominally-up
// primary (spec.md §4.4).
type HealthTracker struct {
	client       *redis.Client
	sampleWindow int // number of recent latency samples retained per rail
}

func NewHealthTracker(client *redis.Client) *HealthTracker {
	return &HealthTracker{client: client, sampleWindow: 200}
}

func countersKey(railName string) string  { return fmt.Sprintf("rail:health:counters:%s", railName) }
func latenciesKey(railName string) string { return fmt.Sprintf("rail:health:latencies:%s", railName) }

// RecordResult logs one rail invocation's outcome.
func (h *HealthTracker) RecordResult(ctx context.Context, railName string, success bool, latency time.Duration) error {
	field := "failures"
	if success {
		field = "successes"
	}
	pipe := h.client.TxPipeline()
	pipe.HIncrBy(ctx, countersKey(railName), field, 1)
	pipe.LPush(ctx, latenciesKey(railName), latency.Milliseconds())
	pipe.LTrim(ctx, latenciesKey(railName), 0, int64(h.sampleWindow-1))
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "rail health: record result failed")
}

// Score reports the success rate (0..1) over all outcomes recorded for the
// rail (the counters are never trimmed) and the p95 latency of the retained
// latency samples. A rail with no recorded history scores
// as perfectly healthy, so newly-onboarded rails are not unfairly demoted.
func (h *HealthTracker) Score(ctx context.Context, railName string) (successRate float64, p95 time.Duration, err error) {
	counters, err := h.client.HGetAll(ctx, countersKey(railName)).Result()
	if err != nil {
		return 0, 0, errors.Wrap(err, "rail health: read counters failed")
	}
	successes := parseCount(counters["successes"])
	failures := parseCount(counters["failures"])
	total := successes + failures
	if total == 0 {
		successRate = 1.0
	} else {
		successRate = float64(successes) / float64(total)
	}

	samples, err := h.client.LRange(ctx, latenciesKey(railName), 0, -1).Result()
	if err != nil {
		return 0, 0, errors.Wrap(err, "rail health: read latencies failed")
	}
	ms := make([]int64, 0, len(samples))
	for _, s := range samples {
		ms = append(ms, parseCount(s))
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i] < ms[j] })
	if len(ms) > 0 {
		idx := int(float64(len(ms)) * 0.95)
		if idx >= len(ms) {
			idx = len(ms) - 1
		}
		p95 = time.Duration(ms[idx]) * time.Millisecond
	}
	return successRate, p95, nil
}

func parseCount(s string) int64 {
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}

// Corridor identifies a (creditor bank, currency) pair, the granularity
// at which preferred/fallback rails are configured (spec.md §4.4).
type Corridor struct {
	CreditorBankKey string
	Currency        string
}

func (c Corridor) key() string { return c.CreditorBankKey + ":" + c.Currency }

// Selector picks which rail handles an instruction, promoting a fallback
// ahead of a configured primary when the primary's health score falls
// below threshold.
type Selector struct {
	rails      map[string]rail.Rail
	priorities map[string][]string // corridor key -> rail names, priority order
	health     *HealthTracker
	threshold  float64
}

func NewSelector(rails map[string]rail.Rail, priorities map[string][]string, health *HealthTracker, healthThreshold float64) *Selector {
	return &Selector{rails: rails, priorities: priorities, health: health, threshold: healthThreshold}
}

// Select returns the rail to use for this attempt, plus the ordered list
// of remaining fallbacks the caller can try if this one also fails
// (spec.md §4.4 channel-down policy: abandon primary, try each fallback
// in priority order).
// defaultCorridorKey is the fallback entry consulted when no priority list
// is configured for a corridor's exact (bank, currency) pair; most
// deployments run one global rail priority order and only override it for
// the handful of corridors that need their own routing.
const defaultCorridorKey = "*:*"

func (s *Selector) Select(ctx context.Context, corridor Corridor) (chosen rail.Rail, fallbacks []rail.Rail, err error) {
	names, ok := s.priorities[corridor.key()]
	if !ok || len(names) == 0 {
		names, ok = s.priorities["*:"+corridor.Currency]
	}
	if !ok || len(names) == 0 {
		names, ok = s.priorities[defaultCorridorKey]
	}
	if !ok || len(names) == 0 {
		return nil, nil, errors.ErrRailConfiguration
	}

	type scored struct {
		name  string
		score float64
	}
	candidates := make([]scored, 0, len(names))
	for _, name := range names {
		rate, _, err := s.health.Score(ctx, name)
		if err != nil {
			rate = 1.0 // health backend unavailable: fall back to configured priority order
		}
		candidates = append(candidates, scored{name: name, score: rate})
	}

	primary := candidates[0]
	orderedNames := names
	if primary.score < s.threshold {
		best := primary
		for _, c := range candidates[1:] {
			if c.score > best.score {
				best = c
			}
		}
		if best.name != primary.name {
			orderedNames = promote(names, best.name)
		}
	}

	rails := make([]rail.Rail, 0, len(orderedNames))
	for _, name := range orderedNames {
		r, ok := s.rails[name]
		if !ok {
			return nil, nil, fmt.Errorf("%w: rail %q not registered", errors.ErrRailConfiguration, name)
		}
		rails = append(rails, r)
	}
	return rails[0], rails[1:], nil
}

func promote(names []string, promoted string) []string {
	out := make([]string, 0, len(names))
	out = append(out, promoted)
	for _, n := range names {
		if n != promoted {
			out = append(out, n)
		}
	}
	return out
}
