package models

import (
	"fmt"
	"time"
)

// ChargingHistory is one offer transition of a transaction. A nil Offered
// means the installed offer was never learned (rendered as None).
type ChargingHistory struct {
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Offered   *int      `json:"offered" bson:"offered"`
}

// Transaction is an active charging session on a connector.
type Transaction struct {
	Id          int    `json:"transaction_id"`
	ChargerId   string `json:"charger_id"`
	ConnectorId int    `json:"connector_id"`
	IdTag       string `json:"id_tag"`
	UserName    string `json:"user_name,omitempty"`

	// Priority overrides the charger default when set, either inherited from
	// the tag or set through the API.
	Priority *int `json:"priority,omitempty"`

	StartTime  time.Time `json:"start_time"`
	MeterStart int       `json:"meter_start"` // Wh

	// Rolling meter state, updated by MeterValues.
	UsageMeter    float64   `json:"usage_meter"`  // A, max across phases
	EnergyMeter   int       `json:"energy_meter"` // Wh, absolute register
	LastUsageTime time.Time `json:"last_usage_time"`

	History []ChargingHistory `json:"charging_history"`

	// UnusedSuspended marks a session whose offer was reclaimed because the
	// EV did not use it. Re-evaluated after the connector's suspend deadline.
	UnusedSuspended bool `json:"unused_suspended"`
}

func (t *Transaction) IdStr() string {
	return fmt.Sprintf("%s/%d:%d", t.ChargerId, t.ConnectorId, t.Id)
}

// EnergyDelta is the energy consumed since transaction start in Wh.
func (t *Transaction) EnergyDelta() int {
	return t.EnergyMeter - t.MeterStart
}
