package models

import (
	"time"

	"github.com/ocpp-balanz/balanz/ocpp/core"
	"github.com/ocpp-balanz/balanz/types"
)

// Stop reasons generated by the system itself.
const (
	ReasonStale        = "stale"
	ReasonConfigReload = "config_reload"
	ReasonRestart      = "restart"
)

// BootNotification records the metadata reported by the charger.
func (r *Registry) BootNotification(chargerId string, request *core.BootNotificationRequest) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return Errf("charger %s not found", chargerId)
	}
	charger.Model = request.ChargePointModel
	charger.Vendor = request.ChargePointVendor
	charger.SerialNumber = request.ChargePointSerialNumber
	charger.FirmwareVersion = request.FirmwareVersion
	charger.MeterType = request.MeterType
	charger.LastUpdate = time.Now()
	return nil
}

// Authorize validates a tag. The returned IdTagInfo carries the parent id
// tag so the charger can honor group stops locally.
func (r *Registry) Authorize(chargerId, idTag string, allowConcurrent, acceptUnknown bool) *types.IdTagInfo {
	r.mux.Lock()
	defer r.mux.Unlock()
	tag, ok := r.tags[NormalizeIdTag(idTag)]
	if !ok {
		if acceptUnknown {
			return types.NewIdTagInfo(types.AuthorizationStatusAccepted)
		}
		return types.NewIdTagInfo(types.AuthorizationStatusInvalid)
	}
	if !tag.IsActivated() {
		return types.NewIdTagInfo(types.AuthorizationStatusBlocked)
	}
	if !allowConcurrent {
		for _, charger := range r.chargers {
			if charger.Id == chargerId {
				continue
			}
			for _, conn := range charger.Connectors {
				if conn.Transaction != nil && NormalizeIdTag(conn.Transaction.IdTag) == tag.IdTag {
					return types.NewIdTagInfo(types.AuthorizationStatusConcurrentTx)
				}
			}
		}
	}
	info := types.NewIdTagInfo(types.AuthorizationStatusAccepted)
	info.ParentIdTag = tag.ParentIdTag
	return info
}

// StartTransaction opens a session on the connector. An existing transaction
// on the same connector is closed first; chargers occasionally restart
// without sending StopTransaction.
func (r *Registry) StartTransaction(chargerId string, connectorId int, idTag string, meterStart int, timestamp time.Time) (int, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return 0, Errf("charger %s not found", chargerId)
	}
	conn, ok := charger.Connectors[connectorId]
	if !ok {
		return 0, Errf("connector %s/%d not found", chargerId, connectorId)
	}
	if conn.Transaction != nil {
		if conn.Transaction.StartTime.Equal(timestamp) {
			// Duplicate StartTransaction, answer with the same id.
			return conn.Transaction.Id, nil
		}
		r.stopTransactionLocked(charger, conn.Transaction.Id, conn.Transaction.EnergyMeter, timestamp, "PowerLoss", "")
	}

	transaction := &Transaction{
		Id:          r.nextTransactionId,
		ChargerId:   chargerId,
		ConnectorId: connectorId,
		IdTag:       idTag,
		StartTime:   timestamp,
		MeterStart:  meterStart,
		EnergyMeter: meterStart,
	}
	r.nextTransactionId++

	if tag, ok := r.tags[NormalizeIdTag(idTag)]; ok {
		transaction.UserName = tag.UserName
		if tag.Priority != nil {
			priority := *tag.Priority
			transaction.Priority = &priority
		}
	}

	conn.Transaction = transaction
	conn.ResetAllocationState()
	conn.LastOfferChange = time.Now()
	conn.BlockingProfileReset = false
	conn.ToReview = true
	charger.LastUpdate = time.Now()
	return transaction.Id, nil
}

// StopTransaction closes the session, emits the history record and returns
// the archived session.
func (r *Registry) StopTransaction(chargerId string, transactionId, meterStop int, timestamp time.Time, reason, stopIdTag string) (*Session, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return nil, Errf("charger %s not found", chargerId)
	}
	return r.stopTransactionLocked(charger, transactionId, meterStop, timestamp, reason, stopIdTag)
}

func (r *Registry) stopTransactionLocked(charger *Charger, transactionId, meterStop int, timestamp time.Time, reason, stopIdTag string) (*Session, error) {
	var conn *Connector
	for _, candidate := range charger.Connectors {
		if candidate.Transaction != nil && candidate.Transaction.Id == transactionId {
			conn = candidate
			break
		}
	}
	if conn == nil {
		return nil, Errf("transaction %d not found on %s", transactionId, charger.Id)
	}
	transaction := conn.Transaction

	// Final history entry reflecting the installed offer at stop time.
	final := 0
	transaction.History = append(transaction.History, ChargingHistory{Timestamp: timestamp, Offered: &final})

	session := &Session{
		SessionId:    newSessionId(charger.Id, transaction.StartTime),
		ChargerId:    charger.Id,
		ChargerAlias: charger.Alias,
		GroupId:      charger.GroupId,
		ConnectorId:  conn.Id,
		IdTag:        transaction.IdTag,
		UserName:     transaction.UserName,
		StopIdTag:    stopIdTag,
		StartTime:    transaction.StartTime,
		EndTime:      timestamp,
		EnergyWh:     meterStop - transaction.MeterStart,
		Reason:       reason,
		History:      transaction.History,
	}
	r.sessions = append(r.sessions, session)
	if r.sessionWriter != nil {
		_ = r.sessionWriter.Append(session)
	}

	conn.Transaction = nil
	conn.Offered = 0
	conn.ResetAllocationState()
	conn.BlockingProfileReset = false
	return session, nil
}

// StatusNotification updates the connector state and the allocation flags
// derived from it.
func (r *Registry) StatusNotification(chargerId string, connectorId int, status core.ChargePointStatus, errorCode, info string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return Errf("charger %s not found", chargerId)
	}
	charger.LastUpdate = time.Now()
	if connectorId == 0 {
		// Charger level notification, nothing to track per connector.
		return nil
	}
	conn, ok := charger.Connectors[connectorId]
	if !ok {
		return Errf("connector %s/%d not found", chargerId, connectorId)
	}
	oldStatus := conn.Status
	conn.ErrorCode = errorCode
	conn.Info = info
	if status != oldStatus {
		conn.Status = status

		// A connector entering SuspendedEVSE without a transaction is the
		// start case: the blocking profile holds the EV back until the
		// allocator reviews it.
		if conn.Transaction == nil && status == core.ChargePointStatusSuspendedEVSE {
			conn.ToReview = true
		}
		// SuspendedEV means zero usage even if the charger stops sending
		// MeterValues in that state.
		if status == core.ChargePointStatusSuspendedEV {
			conn.UpdateRecentUsage(0.0, time.Now(), r.monitoringWindow)
			if conn.Transaction != nil {
				conn.Transaction.UsageMeter = 0.0
			}
		}
	}
	// Outside transactional states the profile stack guarantees nothing is
	// offered.
	if !StatusInTransaction(status) && status != core.ChargePointStatusPreparing {
		conn.Offered = 0
		conn.ResetAllocationState()
	}
	return nil
}

// MeterValues updates rolling meter state for the connector. A transaction
// unknown to the registry is synthesized; this happens when balanz restarts
// while charging is underway.
func (r *Registry) MeterValues(chargerId string, connectorId int, transactionId *int, usageMeter float64, energyMeter int, offered *int, timestamp time.Time) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return Errf("charger %s not found", chargerId)
	}
	charger.LastUpdate = time.Now()
	conn, ok := charger.Connectors[connectorId]
	if !ok {
		return Errf("connector %s/%d not found", chargerId, connectorId)
	}
	if transactionId != nil {
		if conn.Transaction == nil {
			transaction := &Transaction{
				Id:          *transactionId,
				ChargerId:   chargerId,
				ConnectorId: connectorId,
				IdTag:       "Unknown",
				StartTime:   time.Now(),
				MeterStart:  energyMeter,
				EnergyMeter: energyMeter,
			}
			if *transactionId >= r.nextTransactionId {
				r.nextTransactionId = *transactionId + 1
			}
			conn.Transaction = transaction
			if !StatusInTransaction(conn.Status) {
				switch {
				case usageMeter > 0:
					conn.Status = core.ChargePointStatusCharging
				case offered == nil || *offered > 0:
					conn.Status = core.ChargePointStatusSuspendedEV
				default:
					conn.Status = core.ChargePointStatusSuspendedEVSE
				}
			}
		}
		conn.Transaction.UsageMeter = usageMeter
		conn.Transaction.EnergyMeter = energyMeter
		conn.Transaction.LastUsageTime = timestamp
	}
	if offered != nil && *offered != conn.Offered {
		// The charger disagrees with the installed offer, adopt its view.
		conn.Offered = *offered
		if conn.LastOfferChange.IsZero() {
			conn.LastOfferChange = time.Now()
		}
	}
	conn.UpdateRecentUsage(usageMeter, timestamp, r.monitoringWindow)
	return nil
}

// ---------------------------------------------------------------------------
// Allocator support

// CommitOffer records a successfully installed offer change.
func (r *Registry) CommitOffer(chargerId string, connectorId, allocation int, markUnused bool, suspendUntil time.Time, plateau int) {
	r.mux.Lock()
	defer r.mux.Unlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return
	}
	conn, ok := charger.Connectors[connectorId]
	if !ok {
		return
	}
	conn.Offered = allocation
	if plateau > 0 && (conn.PlateauA == 0 || plateau < conn.PlateauA) {
		conn.PlateauA = plateau
	}
	if markUnused {
		conn.SuspendUntil = suspendUntil
		if conn.Transaction != nil {
			conn.Transaction.UnusedSuspended = true
		}
	}
	if allocation >= r.minAllocation {
		conn.LastOfferChange = time.Now()
		conn.recentUsages = nil
		conn.SuspendUntil = time.Time{}
		if conn.Transaction != nil {
			conn.Transaction.UnusedSuspended = false
		}
	}
	if conn.Transaction != nil {
		offered := allocation
		conn.Transaction.History = append(conn.Transaction.History, ChargingHistory{
			Timestamp: time.Now(),
			Offered:   &offered,
		})
	}
}

// governedLocked reports whether any enclosing group carries an allocation
// schedule. Only governed chargers take part in the profile discipline.
func (r *Registry) governedLocked(charger *Charger) bool {
	for _, group := range r.groupChainLocked(charger.GroupId) {
		if group.MaxAllocation != nil {
			return true
		}
	}
	return false
}

// ChargersNotInit lists connected, governed chargers whose default profile
// pair has not been installed yet.
func (r *Registry) ChargersNotInit() []*Charger {
	r.mux.RLock()
	defer r.mux.RUnlock()
	var chargers []*Charger
	for _, charger := range r.chargers {
		if charger.Connected && !charger.ProfileInitialized && r.governedLocked(charger) {
			chargers = append(chargers, charger)
		}
	}
	return chargers
}

// ChargersToRequestStatus lists connected chargers whose state has not been
// queried since connect.
func (r *Registry) ChargersToRequestStatus() []*Charger {
	r.mux.RLock()
	defer r.mux.RUnlock()
	var chargers []*Charger
	for _, charger := range r.chargers {
		if charger.Connected && !charger.RequestedStatus {
			chargers = append(chargers, charger)
		}
	}
	return chargers
}

// ConnectorsResetBlocking lists connectors ending outside a transaction with
// the blocking profile still cleared.
func (r *Registry) ConnectorsResetBlocking() []*Connector {
	r.mux.RLock()
	defer r.mux.RUnlock()
	var connectors []*Connector
	for _, charger := range r.chargers {
		if !charger.Connected || !r.governedLocked(charger) {
			continue
		}
		for _, conn := range charger.Connectors {
			if conn.Transaction == nil && !StatusInTransaction(conn.Status) && !conn.BlockingProfileReset {
				connectors = append(connectors, conn)
			}
		}
	}
	return connectors
}

// TransactionsResetBlocking lists started transactions still waiting for the
// initial TxProfile and blocking profile reinstatement.
func (r *Registry) TransactionsResetBlocking() []*Transaction {
	r.mux.RLock()
	defer r.mux.RUnlock()
	var transactions []*Transaction
	for _, charger := range r.chargers {
		if !charger.Connected || !r.governedLocked(charger) {
			continue
		}
		for _, conn := range charger.Connectors {
			if conn.Transaction != nil && !conn.BlockingProfileReset {
				transactions = append(transactions, conn.Transaction)
			}
		}
	}
	return transactions
}

// HasUrgentWork reports whether an intermediate allocator cycle should run.
func (r *Registry) HasUrgentWork() bool {
	r.mux.RLock()
	defer r.mux.RUnlock()
	for _, charger := range r.chargers {
		if !r.governedLocked(charger) {
			continue
		}
		if charger.Connected && !charger.ProfileInitialized {
			return true
		}
		for _, conn := range charger.Connectors {
			if conn.ToReview && conn.Status == core.ChargePointStatusSuspendedEVSE {
				return true
			}
			if conn.Transaction != nil && !conn.BlockingProfileReset {
				return true
			}
		}
	}
	return false
}

func (r *Registry) SetProfileInitialized(chargerId string, initialized bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if charger, ok := r.chargers[chargerId]; ok {
		charger.ProfileInitialized = initialized
	}
}

func (r *Registry) SetRequestedStatus(chargerId string, requested bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if charger, ok := r.chargers[chargerId]; ok {
		charger.RequestedStatus = requested
	}
}

func (r *Registry) SetBlockingProfileReset(chargerId string, connectorId int, reset bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if charger, ok := r.chargers[chargerId]; ok {
		if conn, ok := charger.Connectors[connectorId]; ok {
			conn.BlockingProfileReset = reset
		}
	}
}

// ClearReviewFlags marks all urgent-review connectors as reviewed; the
// allocator calls this once it has looked at a snapshot.
func (r *Registry) ClearReviewFlags() {
	r.mux.Lock()
	defer r.mux.Unlock()
	for _, charger := range r.chargers {
		for _, conn := range charger.Connectors {
			conn.ToReview = false
		}
	}
}

// ClearBackoffs lifts the one-cycle backoff from all chargers at the start
// of an allocator cycle.
func (r *Registry) ClearBackoffs() {
	r.mux.Lock()
	defer r.mux.Unlock()
	for _, charger := range r.chargers {
		charger.Backoff = false
	}
}

func (r *Registry) SetBackoff(chargerId string, backoff bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if charger, ok := r.chargers[chargerId]; ok {
		charger.Backoff = backoff
	}
}

// SetChargePriority overrides the priority of the live session on the
// connector.
func (r *Registry) SetChargePriority(chargerId string, connectorId, priority int) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return Errf("charger %s not found", chargerId)
	}
	conn, ok := charger.Connectors[connectorId]
	if !ok {
		return Errf("connector %s/%d not found", chargerId, connectorId)
	}
	if conn.Transaction == nil {
		return Errf("connector %s/%d has no live session", chargerId, connectorId)
	}
	conn.Transaction.Priority = &priority
	return nil
}

// ---------------------------------------------------------------------------
// Watchdog support

// MarkChargerDead transitions all connectors to Unknown and removes their
// offers from allocation totals. Live sessions stay until the transaction
// timeout reaper collects them.
func (r *Registry) MarkChargerDead(chargerId string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return
	}
	charger.Connected = false
	charger.ProfileInitialized = false
	charger.RequestedStatus = false
	for _, conn := range charger.Connectors {
		conn.Status = StatusUnknown
		conn.Offered = 0
	}
}

// DeadChargers lists connected chargers with no traffic for the stale window.
func (r *Registry) DeadChargers(stale time.Duration) []string {
	r.mux.RLock()
	defer r.mux.RUnlock()
	cutoff := time.Now().Add(-stale)
	var ids []string
	for _, charger := range r.chargers {
		if charger.Connected && charger.LastUpdate.Before(cutoff) {
			ids = append(ids, charger.Id)
		}
	}
	return ids
}

// ReapStaleTransactions force-closes transactions whose charger has been
// silent past the timeout. Returns the closed sessions.
func (r *Registry) ReapStaleTransactions(timeout time.Duration) []*Session {
	r.mux.Lock()
	defer r.mux.Unlock()
	cutoff := time.Now().Add(-timeout)
	var closed []*Session
	for _, charger := range r.chargers {
		if charger.LastUpdate.After(cutoff) {
			continue
		}
		for _, conn := range charger.Connectors {
			if conn.Transaction == nil {
				continue
			}
			session, err := r.stopTransactionLocked(charger, conn.Transaction.Id, conn.Transaction.EnergyMeter, time.Now(), ReasonStale, "")
			if err == nil {
				closed = append(closed, session)
				conn.Status = StatusUnknown
			}
		}
	}
	return closed
}

// ---------------------------------------------------------------------------
// Reload

// ReplaceGroups swaps group definitions. Groups referenced by chargers or
// subgroups cannot disappear.
func (r *Registry) ReplaceGroups(groups []*Group) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	incoming := make(map[string]*Group, len(groups))
	for _, group := range groups {
		incoming[group.GroupId] = group
	}
	for _, charger := range r.chargers {
		if _, ok := incoming[charger.GroupId]; !ok {
			return Errf("reload drops group %s still used by charger %s", charger.GroupId, charger.Id)
		}
	}
	previous := r.groups
	r.groups = incoming
	if err := r.checkGroupTreeLocked(); err != nil {
		r.groups = previous
		return err
	}
	// Carry over runtime suspension state.
	for id, group := range incoming {
		if old, ok := previous[id]; ok {
			group.Suspended = old.Suspended
		}
	}
	return nil
}

// ReplaceChargers swaps charger definitions. Runtime state survives for
// chargers present in the new set; sessions on dropped chargers are closed
// with reason config_reload.
func (r *Registry) ReplaceChargers(chargers []*Charger) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	incoming := make(map[string]*Charger, len(chargers))
	for _, charger := range chargers {
		if _, ok := r.groups[charger.GroupId]; !ok {
			return Errf("charger %s references unknown group %s", charger.Id, charger.GroupId)
		}
		incoming[charger.Id] = charger
	}
	for id, existing := range r.chargers {
		update, ok := incoming[id]
		if !ok {
			for _, conn := range existing.Connectors {
				if conn.Transaction != nil {
					_, _ = r.stopTransactionLocked(existing, conn.Transaction.Id, conn.Transaction.EnergyMeter, time.Now(), ReasonConfigReload, "")
				}
			}
			delete(r.chargers, id)
			continue
		}
		existing.Alias = update.Alias
		existing.GroupId = update.GroupId
		existing.Priority = update.Priority
		existing.Description = update.Description
		existing.ConnMax = update.ConnMax
		if update.AuthSHA != "" {
			existing.AuthSHA = update.AuthSHA
		}
		delete(incoming, id)
	}
	for id, charger := range incoming {
		if charger.ConnMax <= 0 {
			charger.ConnMax = r.defaultConnMax
		}
		r.chargers[id] = charger
	}
	return nil
}

// ReplaceTags swaps the full tag set.
func (r *Registry) ReplaceTags(tags []*Tag) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.tags = make(map[string]*Tag, len(tags))
	for _, tag := range tags {
		tag.IdTag = NormalizeIdTag(tag.IdTag)
		r.tags[tag.IdTag] = tag
	}
}

// ReplaceUsers swaps the API user set.
func (r *Registry) ReplaceUsers(users []*User) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.users = make(map[string]*User, len(users))
	for _, user := range users {
		r.users[user.UserId] = user
	}
}

// ReplaceFirmware swaps the firmware catalogue.
func (r *Registry) ReplaceFirmware(records []*Firmware) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.firmware = make(map[string]*Firmware, len(records))
	for _, firmware := range records {
		r.firmware[firmware.FirmwareId] = firmware
	}
}
