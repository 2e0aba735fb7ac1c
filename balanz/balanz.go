// Package balanz implements the smart charging allocator. Compute is a pure
// function over a registry snapshot; the loop commits its decisions through
// the OCPP layer.
package balanz

import (
	"math"
	"sort"
	"time"

	"github.com/ocpp-balanz/balanz/internal/config"
	"github.com/ocpp-balanz/balanz/models"
	"github.com/ocpp-balanz/balanz/ocpp/core"
	"github.com/ocpp-balanz/balanz/schedule"
	"github.com/ocpp-balanz/balanz/utility"
)

// Settings are the allocator tunables, lifted out of the configuration so
// Compute stays a pure function.
type Settings struct {
	MinAllocation                int
	MaxOfferIncrease             int
	MinOfferIncreaseInterval     time.Duration
	UsageMonitoringInterval      time.Duration
	UsageThreshold               float64
	MarginLower                  float64
	MarginIncrease               float64
	EnergyThresholdWh            int
	SuspendedAllocationTimeout   time.Duration
	SuspendedDelayedTime         time.Duration
	SuspendedDelayedTimeNotFirst time.Duration
	SuspendTopOfHour             bool
}

func SettingsFromConfig(conf *config.Config) Settings {
	b := conf.Balanz
	return Settings{
		MinAllocation:                b.MinAllocation,
		MaxOfferIncrease:             b.MaxOfferIncrease,
		MinOfferIncreaseInterval:     time.Duration(b.MinOfferIncreaseInterval) * time.Second,
		UsageMonitoringInterval:      time.Duration(b.UsageMonitoringInterval) * time.Second,
		UsageThreshold:               b.UsageThreshold,
		MarginLower:                  b.MarginLower,
		MarginIncrease:               b.MarginIncrease,
		EnergyThresholdWh:            b.EnergyThreshold,
		SuspendedAllocationTimeout:   time.Duration(b.SuspendedAllocationTimeout) * time.Second,
		SuspendedDelayedTime:         time.Duration(b.SuspendedDelayedTime) * time.Second,
		SuspendedDelayedTimeNotFirst: time.Duration(b.SuspendedDelayedTimeNotFirst) * time.Second,
		SuspendTopOfHour:             b.SuspendTopOfHour,
	}
}

// OfferChange is one allocation decision. Changes freeing capacity are
// committed before changes using it. A change without a transaction id is
// implemented through the blocking default profile instead of a TxProfile.
type OfferChange struct {
	ChargerId     string
	ConnectorId   int
	TransactionId int
	Allocation    int

	// MarkUnused flags the unused-offer reclamation case. SuspendUntil is
	// when the connector becomes eligible for a new offer.
	MarkUnused   bool
	SuspendUntil time.Time

	// PlateauA carries a newly observed EV ceiling to be recorded, 0 if none.
	PlateauA int
}

// groupBudget tracks remaining capacity per priority bucket of one
// allocation group for the current interval.
type groupBudget struct {
	buckets  []schedule.Bucket // descending by threshold
	used     []int
	total    int
	maxTotal int
}

func newGroupBudget(s *schedule.Schedule, now time.Time) *groupBudget {
	buckets := s.Buckets(now)
	budget := &groupBudget{
		buckets: buckets,
		used:    make([]int, len(buckets)),
	}
	if len(buckets) > 0 {
		budget.maxTotal = buckets[0].Cap
	}
	return budget
}

func (g *groupBudget) bucketIndex(priority int) int {
	for i, b := range g.buckets {
		if priority >= b.Priority {
			return i
		}
	}
	return -1
}

// room is the capacity left for a connector of the given priority, bounded
// both by its bucket and by the overall interval ceiling.
func (g *groupBudget) room(priority int) int {
	i := g.bucketIndex(priority)
	if i < 0 {
		return 0
	}
	inBucket := g.buckets[i].Cap - g.used[i]
	overall := g.maxTotal - g.total
	if overall < inBucket {
		inBucket = overall
	}
	if inBucket < 0 {
		return 0
	}
	return inBucket
}

func (g *groupBudget) take(priority, amps int) {
	if i := g.bucketIndex(priority); i >= 0 {
		g.used[i] += amps
	}
	g.total += amps
}

type connState struct {
	view       *models.ConnectorView
	chain      []*groupBudget
	allocation int
	max        int
	done       bool
	markUnused bool
	suspend    time.Time
	plateau    int
}

func (c *connState) room() int {
	room := math.MaxInt
	for _, budget := range c.chain {
		if r := budget.room(c.view.Priority); r < room {
			room = r
		}
	}
	if room == math.MaxInt {
		return 0
	}
	return room
}

func (c *connState) take(amps int) {
	for _, budget := range c.chain {
		budget.take(c.view.Priority, amps)
	}
	c.allocation += amps
}

func consideredStatus(status core.ChargePointStatus) bool {
	switch status {
	case core.ChargePointStatusPreparing,
		core.ChargePointStatusCharging,
		core.ChargePointStatusSuspendedEV,
		core.ChargePointStatusSuspendedEVSE:
		return true
	}
	return false
}

// Compute determines the offer changes to perform for all allocation groups.
// Reductions are returned first and must be committed before the grow list.
// The function never mutates the snapshot.
func Compute(snap *models.Snapshot, now time.Time, settings Settings) (reduce, grow []OfferChange) {
	budgets := make(map[string]*groupBudget)
	budgetChain := func(groupId string) []*groupBudget {
		groups := snap.AllocationGroupChain(groupId)
		chain := make([]*groupBudget, 0, len(groups))
		for _, group := range groups {
			budget, ok := budgets[group.GroupId]
			if !ok {
				budget = newGroupBudget(group.MaxAllocation, now)
				budgets[group.GroupId] = budget
			}
			chain = append(chain, budget)
		}
		return chain
	}
	suspended := func(groupId string) bool {
		seen := make(map[string]bool)
		for groupId != "" && !seen[groupId] {
			group, ok := snap.Groups[groupId]
			if !ok {
				return false
			}
			if group.Suspended {
				return true
			}
			seen[groupId] = true
			groupId = group.ParentId
		}
		return false
	}

	var conns []*connState
	for _, view := range snap.Connectors {
		if !view.Connected || !consideredStatus(view.Status) {
			continue
		}
		chain := budgetChain(view.GroupId)
		if len(chain) == 0 {
			// Not governed by any allocation group, nothing to manage.
			continue
		}
		if suspended(view.GroupId) || view.Backoff {
			// Frozen subtrees and chargers backing off after a failed
			// commit keep their offers, but those still consume the
			// enclosing budgets.
			for _, budget := range chain {
				budget.take(view.Priority, view.Offered)
			}
			continue
		}
		conns = append(conns, &connState{view: view, chain: chain})
	}

	// Deterministic processing order: priority first, fairness by oldest
	// offer change, then ids.
	sort.Slice(conns, func(i, j int) bool {
		a, b := conns[i].view, conns[j].view
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.LastOfferChange.Equal(b.LastOfferChange) {
			return a.LastOfferChange.Before(b.LastOfferChange)
		}
		if a.ChargerId != b.ChargerId {
			return a.ChargerId < b.ChargerId
		}
		return a.ConnectorId < b.ConnectorId
	})

	// Reductions and unused-offer reclamation. These free capacity and are
	// decided before anything may grow.
	for _, conn := range conns {
		view := conn.view
		switch {
		case view.Status == core.ChargePointStatusSuspendedEV && view.MaxRecentUsage < settings.UsageThreshold:
			if !view.LastOfferChange.IsZero() && now.Sub(view.LastOfferChange) > settings.SuspendedAllocationTimeout {
				conn.allocation = 0
				conn.done = true
				conn.markUnused = true
				conn.suspend = suspendDeadline(view, now, settings)
			}
			// Otherwise keep the current offer a little longer; the EV may
			// simply be balancing its battery.
		case view.Status == core.ChargePointStatusSuspendedEVSE && !view.SuspendUntil.IsZero() && now.Before(view.SuspendUntil):
			conn.allocation = 0
			conn.done = true
		case view.Status == core.ChargePointStatusCharging &&
			view.HasTransaction &&
			!view.LastOfferChange.IsZero() &&
			now.Sub(view.LastOfferChange) > settings.UsageMonitoringInterval &&
			view.MaxRecentUsage >= float64(settings.MinAllocation) &&
			view.Offered >= settings.MinAllocation &&
			view.MaxRecentUsage <= float64(view.Offered)-settings.MarginLower &&
			!(view.PlateauA > 0 && int(math.Floor(view.MaxRecentUsage))+1 > view.PlateauA):
			// The EV is not using the full offer; reduce to the smallest
			// integer strictly above the observed usage.
			conn.allocation = int(math.Floor(view.MaxRecentUsage)) + 1
			if conn.allocation < settings.MinAllocation {
				conn.allocation = settings.MinAllocation
			}
			conn.done = true
			if view.PlateauA == 0 || conn.allocation < view.PlateauA {
				conn.plateau = conn.allocation
			}
		}
	}

	// Demand ceilings for the rest.
	for _, conn := range conns {
		if conn.done {
			continue
		}
		view := conn.view
		switch {
		case view.Status == core.ChargePointStatusSuspendedEV:
			// Keeping a suspended EV alive happens at the minimum rate only.
			conn.max = settings.MinAllocation
		case view.Offered == 0 || !view.HasTransaction:
			conn.max = settings.MinAllocation
		default:
			if view.LastOfferChange.IsZero() || now.Sub(view.LastOfferChange) < settings.MinOfferIncreaseInterval {
				conn.max = view.Offered
			} else if float64(view.Offered)-view.MaxRecentUsage < settings.MarginIncrease {
				conn.max = view.Offered + settings.MaxOfferIncrease
			} else {
				// Usage too far below the offer to justify growth.
				conn.max = view.Offered
			}
			if view.PlateauA > 0 && conn.max > view.PlateauA {
				conn.max = view.PlateauA
			}
		}
		if conn.max > view.ConnMax {
			conn.max = view.ConnMax
		}
	}

	// Charge budgets with the reduced allocations already decided.
	for _, conn := range conns {
		if conn.done && conn.allocation > 0 {
			for _, budget := range conn.chain {
				budget.take(conn.view.Priority, conn.allocation)
			}
		}
	}

	// Connectors waiting out a suspension deadline stay at zero.
	for _, conn := range conns {
		view := conn.view
		if conn.done || view.HasTransaction {
			continue
		}
		if !view.SuspendUntil.IsZero() && now.Before(view.SuspendUntil) {
			conn.done = true
		}
	}

	// Allocate capacity by priority. Within a priority the list order is
	// the fairness order, oldest offer change first.
	var priorities []int
	seenPriority := make(map[int]bool)
	for _, conn := range conns {
		if !conn.done && !seenPriority[conn.view.Priority] {
			seenPriority[conn.view.Priority] = true
			priorities = append(priorities, conn.view.Priority)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	for _, priority := range priorities {
		var atPriority []*connState
		for _, conn := range conns {
			if !conn.done && conn.view.Priority == priority {
				atPriority = append(atPriority, conn)
			}
		}

		// Tentative minimum for every eligible connector with room, walking
		// the fairness order.
		for _, conn := range atPriority {
			if conn.done {
				continue
			}
			if conn.max < settings.MinAllocation {
				conn.done = true
				continue
			}
			if conn.room() >= settings.MinAllocation {
				conn.take(settings.MinAllocation)
			} else {
				conn.allocation = 0
				conn.done = true
			}
		}

		// Round-robin growth in whole amperes until capacity or demand runs
		// out.
		progress := true
		for progress {
			progress = false
			for _, conn := range atPriority {
				if conn.done {
					continue
				}
				if conn.allocation >= conn.max {
					conn.done = true
				} else if conn.room() >= 1 {
					conn.take(1)
					progress = true
				} else {
					conn.done = true
				}
			}
		}
	}

	// Collect the changes. Unchanged offers are silently dropped.
	for _, conn := range conns {
		view := conn.view
		change := OfferChange{
			ChargerId:     view.ChargerId,
			ConnectorId:   view.ConnectorId,
			TransactionId: view.TransactionId,
			Allocation:    conn.allocation,
			MarkUnused:    conn.markUnused,
			SuspendUntil:  conn.suspend,
			PlateauA:      conn.plateau,
		}
		switch {
		case conn.allocation < view.Offered:
			reduce = append(reduce, change)
		case conn.allocation > view.Offered:
			grow = append(grow, change)
		case conn.plateau > 0:
			// Plateau observed without an offer change, record it anyway.
			reduce = append(reduce, change)
		}
	}
	return reduce, grow
}

func suspendDeadline(view *models.ConnectorView, now time.Time, settings Settings) time.Time {
	if view.EnergyDeltaWh >= settings.EnergyThresholdWh {
		return now.Add(settings.SuspendedDelayedTimeNotFirst)
	}
	if settings.SuspendTopOfHour {
		return utility.NextTopOfHour(now, settings.SuspendedAllocationTimeout)
	}
	return now.Add(settings.SuspendedDelayedTime)
}
