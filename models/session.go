package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/ocpp-balanz/balanz/utility"
)

// Session is a completed transaction kept for history. One row is appended
// to the session CSV file when the transaction closes.
type Session struct {
	SessionId    string            `json:"session_id" bson:"session_id"`
	ChargerId    string            `json:"charger_id" bson:"charger_id"`
	ChargerAlias string            `json:"charger_alias" bson:"charger_alias"`
	GroupId      string            `json:"group_id" bson:"group_id"`
	ConnectorId  int               `json:"connector_id" bson:"connector_id"`
	IdTag        string            `json:"id_tag" bson:"id_tag"`
	UserName     string            `json:"user_name" bson:"user_name"`
	StopIdTag    string            `json:"stop_id_tag" bson:"stop_id_tag"`
	StartTime    time.Time         `json:"start_time" bson:"start_time"`
	EndTime      time.Time         `json:"end_time" bson:"end_time"`
	EnergyWh     int               `json:"energy_wh" bson:"energy_wh"`
	Reason       string            `json:"stop_reason" bson:"stop_reason"`
	History      []ChargingHistory `json:"charging_history" bson:"charging_history"`
}

const SessionDataType = "session"

func (s *Session) DataType() string {
	return SessionDataType
}

func (s *Session) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// HistoryStr renders the offer history as ;-joined TIMESTAMP=NA tuples,
// with the literal None for offers that were never learned.
func (s *Session) HistoryStr() string {
	parts := make([]string, 0, len(s.History))
	for _, ch := range s.History {
		if ch.Offered == nil {
			parts = append(parts, fmt.Sprintf("%s=None", utility.TimeStr(ch.Timestamp)))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%dA", utility.TimeStr(ch.Timestamp), *ch.Offered))
		}
	}
	return strings.Join(parts, ";")
}

func newSessionId(chargerId string, startTime time.Time) string {
	return chargerId + "-" + startTime.Format("2006-01-02-15:04:05")
}
