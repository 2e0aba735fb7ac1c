package models

import "github.com/ocpp-balanz/balanz/schedule"

// Group is a node in the charger grouping tree. A group carrying a
// max-allocation schedule is an allocation group; its schedule bounds the
// combined current of all chargers it governs. The nearest allocation-group
// ancestor governs a charger, caps of enclosing allocation groups compound.
type Group struct {
	GroupId       string `json:"group_id"`
	ParentId      string `json:"parent_id,omitempty"`
	Description   string `json:"description,omitempty"`
	MaxAllocation *schedule.Schedule
	Priority      *int `json:"priority,omitempty"`

	// Suspended freezes smart charging for the subtree. Offers stay as they
	// are and no profile changes are issued.
	Suspended bool `json:"suspended"`
}

func (g *Group) IsAllocationGroup() bool {
	return g.MaxAllocation != nil
}

func (g *Group) MaxAllocationText() string {
	if g.MaxAllocation == nil {
		return ""
	}
	return g.MaxAllocation.String()
}
