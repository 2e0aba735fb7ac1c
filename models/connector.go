package models

import (
	"fmt"
	"time"

	"github.com/ocpp-balanz/balanz/ocpp/core"
)

// StatusUnknown is the connector state before the first StatusNotification
// and after the owning charger is declared dead by the watchdog.
const StatusUnknown core.ChargePointStatus = "Unknown"

type usageSample struct {
	usage float64
	time  time.Time
}

// Connector is one physical outlet on a charger. While a transaction runs it
// points at the live Transaction; outside transactional states the offer is
// always zero.
type Connector struct {
	Id        int    `json:"connector_id"`
	ChargerId string `json:"charger_id"`

	Status    core.ChargePointStatus `json:"status"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Info      string                 `json:"info,omitempty"`

	// Offered is the installed allocation in whole amperes, owned by the
	// allocator. LastOfferChange drives the increase hysteresis.
	Offered         int       `json:"offered"`
	LastOfferChange time.Time `json:"last_offer_change"`

	Transaction *Transaction `json:"transaction,omitempty"`

	// Allocation helper state, reset at transaction boundaries.
	PlateauA             int       `json:"plateau,omitempty"`
	SuspendUntil         time.Time `json:"suspend_until,omitempty"`
	BlockingProfileReset bool      `json:"-"`
	ToReview             bool      `json:"-"`

	recentUsages []usageSample
}

func NewConnector(id int, chargerId string) *Connector {
	return &Connector{
		Id:                   id,
		ChargerId:            chargerId,
		Status:               StatusUnknown,
		BlockingProfileReset: true,
	}
}

func (c *Connector) IdStr() string {
	return fmt.Sprintf("%s/%d", c.ChargerId, c.Id)
}

// StatusInTransaction reports whether the status belongs to an engaged
// charging episode.
func StatusInTransaction(status core.ChargePointStatus) bool {
	switch status {
	case core.ChargePointStatusCharging, core.ChargePointStatusSuspendedEV, core.ChargePointStatusSuspendedEVSE:
		return true
	}
	return false
}

// UpdateRecentUsage records a usage measurement and drops samples older than
// the monitoring window.
func (c *Connector) UpdateRecentUsage(usage float64, timestamp time.Time, window time.Duration) {
	c.recentUsages = append(c.recentUsages, usageSample{usage: usage, time: timestamp})
	c.expireRecentUsage(timestamp, window)
}

func (c *Connector) expireRecentUsage(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := c.recentUsages[:0]
	for _, s := range c.recentUsages {
		if s.time.After(cutoff) {
			kept = append(kept, s)
		}
	}
	c.recentUsages = kept
}

// MaxRecentUsage returns the maximum usage seen within the monitoring window.
func (c *Connector) MaxRecentUsage(now time.Time, window time.Duration) float64 {
	c.expireRecentUsage(now, window)
	max := 0.0
	for _, s := range c.recentUsages {
		if s.usage > max {
			max = s.usage
		}
	}
	return max
}

// ResetAllocationState clears the helper fields at transaction boundaries.
// The plateau is only ever reset here, never mid-session.
func (c *Connector) ResetAllocationState() {
	c.PlateauA = 0
	c.SuspendUntil = time.Time{}
	c.recentUsages = nil
}
