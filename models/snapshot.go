package models

import (
	"time"

	"github.com/ocpp-balanz/balanz/ocpp/core"
	"github.com/ocpp-balanz/balanz/schedule"
)

// GroupView is the allocator's read-only view of a group.
type GroupView struct {
	GroupId       string
	ParentId      string
	MaxAllocation *schedule.Schedule
	Suspended     bool
}

// ConnectorView is the allocator's read-only view of a connector and its
// session.
type ConnectorView struct {
	ChargerId   string
	ConnectorId int
	GroupId     string

	Status          core.ChargePointStatus
	Offered         int
	LastOfferChange time.Time
	ConnMax         int
	Connected       bool
	Backoff         bool

	// Effective session priority after the override chain.
	Priority int

	TransactionId   int // 0 when no transaction exists yet
	HasTransaction  bool
	UnusedSuspended bool
	EnergyDeltaWh   int

	PlateauA       int
	SuspendUntil   time.Time
	MaxRecentUsage float64
}

// Snapshot is the copy-on-read model view the allocator works from. It is
// rebuilt every tick and never written to.
type Snapshot struct {
	Groups     map[string]*GroupView
	Connectors []*ConnectorView
}

// Snapshot builds the allocator view under the registry lock. Schedules are
// immutable after parse and shared, everything else is copied. Taking the
// write lock keeps the usage-window expiry consistent.
func (r *Registry) Snapshot() *Snapshot {
	now := time.Now()
	r.mux.Lock()
	defer r.mux.Unlock()

	snap := &Snapshot{
		Groups: make(map[string]*GroupView, len(r.groups)),
	}
	for id, group := range r.groups {
		snap.Groups[id] = &GroupView{
			GroupId:       group.GroupId,
			ParentId:      group.ParentId,
			MaxAllocation: group.MaxAllocation,
			Suspended:     group.Suspended,
		}
	}
	for _, charger := range r.chargers {
		for _, conn := range charger.Connectors {
			view := &ConnectorView{
				ChargerId:       charger.Id,
				ConnectorId:     conn.Id,
				GroupId:         charger.GroupId,
				Status:          conn.Status,
				Offered:         conn.Offered,
				LastOfferChange: conn.LastOfferChange,
				ConnMax:         charger.ConnMax,
				Connected:       charger.Connected,
				Backoff:         charger.Backoff,
				Priority:        r.effectivePriorityLocked(charger, conn),
				PlateauA:        conn.PlateauA,
				SuspendUntil:    conn.SuspendUntil,
				MaxRecentUsage:  conn.MaxRecentUsage(now, r.monitoringWindow),
			}
			if conn.Transaction != nil {
				view.TransactionId = conn.Transaction.Id
				view.HasTransaction = true
				view.UnusedSuspended = conn.Transaction.UnusedSuspended
				view.EnergyDeltaWh = conn.Transaction.EnergyDelta()
			}
			snap.Connectors = append(snap.Connectors, view)
		}
	}
	return snap
}

// effectivePriorityLocked resolves the session priority override chain:
// session/tag override, charger, nearest group with a priority, config
// default.
func (r *Registry) effectivePriorityLocked(charger *Charger, conn *Connector) int {
	if conn.Transaction != nil && conn.Transaction.Priority != nil {
		return *conn.Transaction.Priority
	}
	if charger.Priority > 0 {
		return charger.Priority
	}
	for _, group := range r.groupChainLocked(charger.GroupId) {
		if group.Priority != nil {
			return *group.Priority
		}
	}
	return r.defaultPriority
}

// AllocationGroupChain returns the allocation groups enclosing the
// connector's group, nearest first.
func (s *Snapshot) AllocationGroupChain(groupId string) []*GroupView {
	var chain []*GroupView
	seen := make(map[string]bool)
	for groupId != "" && !seen[groupId] {
		group, ok := s.Groups[groupId]
		if !ok {
			break
		}
		seen[groupId] = true
		if group.MaxAllocation != nil {
			chain = append(chain, group)
		}
		groupId = group.ParentId
	}
	return chain
}
