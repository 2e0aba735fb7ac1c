package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ocpp-balanz/balanz/utility"
)

// DrawAll renders the full model as readable text: groups, their chargers,
// connectors and live transactions.
func (r *Registry) DrawAll() string {
	r.mux.RLock()
	defer r.mux.RUnlock()

	var b strings.Builder
	now := time.Now()

	groupIds := make([]string, 0, len(r.groups))
	for id := range r.groups {
		groupIds = append(groupIds, id)
	}
	sort.Strings(groupIds)

	for _, groupId := range groupIds {
		group := r.groups[groupId]
		b.WriteString(fmt.Sprintf("Group %s", group.GroupId))
		if group.ParentId != "" {
			b.WriteString(fmt.Sprintf(" (parent %s)", group.ParentId))
		}
		if group.MaxAllocation != nil {
			b.WriteString(fmt.Sprintf(" max_allocation %s", group.MaxAllocation.String()))
			b.WriteString(fmt.Sprintf(" [now: %dA]", group.MaxAllocation.MaxCap(now)))
		}
		if group.Suspended {
			b.WriteString(" SUSPENDED")
		}
		b.WriteString("\n")

		chargerIds := make([]string, 0)
		for id, charger := range r.chargers {
			if charger.GroupId == groupId {
				chargerIds = append(chargerIds, id)
			}
		}
		sort.Strings(chargerIds)

		for _, chargerId := range chargerIds {
			charger := r.chargers[chargerId]
			connection := "offline"
			if charger.Connected {
				connection = "online"
			}
			b.WriteString(fmt.Sprintf("  Charger %s (%s) prio %d conn_max %dA %s",
				charger.Id, charger.Alias, charger.Priority, charger.ConnMax, connection))
			if !charger.LastUpdate.IsZero() {
				b.WriteString(fmt.Sprintf(", last seen %s", utility.TimeAgo(charger.LastUpdate)))
			}
			b.WriteString("\n")

			connectorIds := make([]int, 0, len(charger.Connectors))
			for id := range charger.Connectors {
				connectorIds = append(connectorIds, id)
			}
			sort.Ints(connectorIds)
			for _, connectorId := range connectorIds {
				conn := charger.Connectors[connectorId]
				b.WriteString(fmt.Sprintf("    Connector %d %s offered %dA", conn.Id, conn.Status, conn.Offered))
				if conn.Transaction != nil {
					t := conn.Transaction
					b.WriteString(fmt.Sprintf(" | tx %d tag %s user %s usage %.1fA energy %s kWh started %s",
						t.Id, t.IdTag, t.UserName, t.UsageMeter,
						utility.KwhStr(float64(t.EnergyDelta())), utility.TimeStr(t.StartTime)))
					if t.UnusedSuspended {
						b.WriteString(fmt.Sprintf(" suspended-until %s", utility.TimeStr(conn.SuspendUntil)))
					}
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

// Counts returns entity totals for GetStatus.
func (r *Registry) Counts() (groups, chargers, tags, sessions, transactions int) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	groups = len(r.groups)
	chargers = len(r.chargers)
	tags = len(r.tags)
	sessions = len(r.sessions)
	for _, charger := range r.chargers {
		for _, conn := range charger.Connectors {
			if conn.Transaction != nil {
				transactions++
			}
		}
	}
	return
}
