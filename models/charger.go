package models

import (
	"math/rand"
	"time"
)

// Charger is a physical charge point with one or more connectors.
type Charger struct {
	Id          string `json:"charger_id"`
	Alias       string `json:"alias"`
	GroupId     string `json:"group_id"`
	Priority    int    `json:"priority"`
	Description string `json:"description,omitempty"`

	// ConnMax caps the offer of each connector in amperes.
	ConnMax int `json:"conn_max"`

	// AuthSHA is the sha256 of the expected HTTP Basic Authorization header.
	// Empty until an AuthorizationKey has been issued.
	AuthSHA string `json:"-"`

	Connectors map[int]*Connector `json:"connectors"`

	// Fields learned from BootNotification.
	Model           string `json:"charge_point_model,omitempty"`
	Vendor          string `json:"charge_point_vendor,omitempty"`
	SerialNumber    string `json:"charge_point_serial_number,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	MeterType       string `json:"meter_type,omitempty"`

	// Connection state, maintained by the transport and the watchdog.
	Connected  bool      `json:"network_connected"`
	LastUpdate time.Time `json:"last_update"`

	// ProfileInitialized is set once the default profile pair has been
	// installed after (re)connect.
	ProfileInitialized bool `json:"-"`
	RequestedStatus    bool `json:"-"`

	// Backoff skips one allocator cycle after a failed profile commit.
	Backoff bool `json:"-"`
}

func NewCharger(id, alias, groupId string, noConnectors, priority, connMax int) *Charger {
	charger := &Charger{
		Id:         id,
		Alias:      alias,
		GroupId:    groupId,
		Priority:   priority,
		ConnMax:    connMax,
		Connectors: make(map[int]*Connector),
	}
	for connectorId := 1; connectorId <= noConnectors; connectorId++ {
		charger.Connectors[connectorId] = NewConnector(connectorId, id)
	}
	return charger
}

// Offered is the sum of installed offers across all connectors.
func (c *Charger) Offered() int {
	total := 0
	for _, conn := range c.Connectors {
		total += conn.Offered
	}
	return total
}

// Usage is the sum of last reported usage of all active transactions.
func (c *Charger) Usage() float64 {
	total := 0.0
	for _, conn := range c.Connectors {
		if conn.Transaction != nil {
			total += conn.Transaction.UsageMeter
		}
	}
	return total
}

func (c *Charger) HasLiveTransaction() bool {
	for _, conn := range c.Connectors {
		if conn.Transaction != nil {
			return true
		}
	}
	return false
}

const authKeyChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenAuthKey generates a new AuthorizationKey value, 16 characters.
func GenAuthKey() string {
	key := make([]byte, 16)
	for i := range key {
		key[i] = authKeyChars[rand.Intn(len(authKeyChars))]
	}
	return string(key)
}
