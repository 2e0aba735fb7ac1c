package balanz

import (
	"fmt"
	"time"

	"github.com/ocpp-balanz/balanz/internal"
	"github.com/ocpp-balanz/balanz/internal/config"
	"github.com/ocpp-balanz/balanz/models"
)

const featureName = "Balanz"

// ProfileDriver issues charging profile commands to a connected charger.
// Calls block until the charger responds or the call times out.
type ProfileDriver interface {
	ClearAllDefaultProfiles(chargerId string) error
	SetMinimumProfile(chargerId string) error
	SetBlockingProfile(chargerId string, connectorId int) error
	ClearBlockingProfile(chargerId string, connectorId int) error
	SetTxProfile(chargerId string, connectorId, transactionId, limit int) error
	RequestStatus(chargerId string) error
}

// Loop is the periodic smart charging control loop. Every run_interval it
// checks for urgent work (chargers to initialize, sessions waiting to start)
// and every intervals_full cycles it performs a full rebalancing pass.
type Loop struct {
	registry *models.Registry
	driver   ProfileDriver
	logger   internal.LogHandler
	settings Settings

	runInterval   time.Duration
	intervalsFull int
	firstWait     time.Duration
	waitAfter     time.Duration

	wake chan struct{}
	stop chan struct{}
}

func NewLoop(conf *config.Config, registry *models.Registry, driver ProfileDriver, logger internal.LogHandler) *Loop {
	return &Loop{
		registry:      registry,
		driver:        driver,
		logger:        logger,
		settings:      SettingsFromConfig(conf),
		runInterval:   time.Duration(conf.Balanz.RunInterval) * time.Second,
		intervalsFull: conf.Balanz.IntervalsFull,
		firstWait:     time.Duration(conf.Balanz.FirstWait) * time.Second,
		waitAfter:     time.Duration(conf.Balanz.WaitAfterReduce) * time.Second,
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
}

func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) Stop() {
	close(l.stop)
}

// Wake requests an immediate cycle, used by the watchdog after it changes
// connector states.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	select {
	case <-time.After(l.firstWait):
	case <-l.stop:
		return
	}

	ticker := time.NewTicker(l.runInterval)
	defer ticker.Stop()

	loopCount := 0
	for {
		select {
		case <-l.stop:
			return
		case <-l.wake:
		case <-ticker.C:
			loopCount++
			if loopCount%l.intervalsFull != 0 && !l.registry.HasUrgentWork() {
				continue
			}
		}
		l.runOnce()
	}
}

// runOnce performs one allocator cycle. Per-charger errors are isolated; the
// loop itself never terminates on them.
func (l *Loop) runOnce() {
	// Chargers connected since the last cycle are driven to the known
	// profile baseline before taking part in balancing.
	if chargers := l.registry.ChargersNotInit(); len(chargers) > 0 {
		for _, charger := range chargers {
			l.initializeCharger(charger)
		}
		// Give the chargers a moment before rebalancing on top.
		return
	}

	for _, charger := range l.registry.ChargersToRequestStatus() {
		if err := l.driver.RequestStatus(charger.Id); err != nil {
			l.logger.Warn(fmt.Sprintf("status request for %s failed: %s", charger.Id, err))
		}
		l.registry.SetRequestedStatus(charger.Id, true)
	}

	// Connectors that ended up outside a transaction with the blocking
	// profile cleared get it reinstated.
	for _, conn := range l.registry.ConnectorsResetBlocking() {
		if err := l.driver.SetBlockingProfile(conn.ChargerId, conn.Id); err != nil {
			l.logger.Warn(fmt.Sprintf("reset blocking profile failed for %s: %s", conn.IdStr(), err))
		}
		// Flagged regardless of the result; the profile may well be in
		// place already.
		l.registry.SetBlockingProfileReset(conn.ChargerId, conn.Id, true)
	}

	// Fresh transactions: install the initial TxProfile at the minimum rate,
	// then put the blocking profile back for the next session.
	for _, trans := range l.registry.TransactionsResetBlocking() {
		if err := l.driver.SetTxProfile(trans.ChargerId, trans.ConnectorId, trans.Id, l.settings.MinAllocation); err != nil {
			l.logger.Warn(fmt.Sprintf("initial TxProfile failed for %s: %s", trans.IdStr(), err))
		} else {
			l.registry.CommitOffer(trans.ChargerId, trans.ConnectorId, l.settings.MinAllocation, false, time.Time{}, 0)
			if err := l.driver.SetBlockingProfile(trans.ChargerId, trans.ConnectorId); err != nil {
				l.logger.Warn(fmt.Sprintf("blocking profile reinstate failed for %s: %s", trans.IdStr(), err))
			}
		}
		l.registry.SetBlockingProfileReset(trans.ChargerId, trans.ConnectorId, true)
	}

	snap := l.registry.Snapshot()
	l.registry.ClearReviewFlags()
	reduce, grow := Compute(snap, time.Now(), l.settings)
	observeAllocatorRun(len(reduce), len(grow))
	// Chargers that failed a commit last cycle sat this one out; let the
	// next cycle retry them.
	l.registry.ClearBackoffs()
	if len(reduce) > 0 {
		l.commit(reduce)
		if len(grow) > 0 {
			// Freed capacity settles before it is handed out again.
			select {
			case <-time.After(l.waitAfter):
			case <-l.stop:
				return
			}
		}
	}
	l.commit(grow)
}

func (l *Loop) initializeCharger(charger *models.Charger) {
	if err := l.driver.ClearAllDefaultProfiles(charger.Id); err != nil {
		l.logger.Warn(fmt.Sprintf("clear default profiles failed for %s: %s", charger.Id, err))
	}
	for connectorId := range charger.Connectors {
		if err := l.driver.SetBlockingProfile(charger.Id, connectorId); err != nil {
			l.logger.Warn(fmt.Sprintf("blocking profile failed for %s/%d: %s", charger.Id, connectorId, err))
			return
		}
	}
	if err := l.driver.SetMinimumProfile(charger.Id); err != nil {
		l.logger.Warn(fmt.Sprintf("minimum profile failed for %s: %s", charger.Id, err))
		return
	}
	l.registry.SetProfileInitialized(charger.Id, true)
	l.logger.FeatureEvent(featureName, charger.Id, "default profiles installed")
}

func (l *Loop) commit(changes []OfferChange) {
	failed := make(map[string]bool)
	for _, change := range changes {
		if failed[change.ChargerId] {
			continue
		}
		if err := l.apply(change); err != nil {
			l.logger.Warn(fmt.Sprintf("offer change %s/%d -> %dA failed: %s",
				change.ChargerId, change.ConnectorId, change.Allocation, err))
			// Back off this charger for one cycle, the next pass retries.
			l.registry.SetBackoff(change.ChargerId, true)
			failed[change.ChargerId] = true
			continue
		}
		l.registry.CommitOffer(change.ChargerId, change.ConnectorId, change.Allocation,
			change.MarkUnused, change.SuspendUntil, change.PlateauA)
		l.logger.FeatureEvent(featureName, change.ChargerId,
			fmt.Sprintf("connector %d offer set to %dA", change.ConnectorId, change.Allocation))
	}
}

func (l *Loop) apply(change OfferChange) error {
	if change.TransactionId == 0 {
		// No transaction yet. Starting is done by exposing the minimum
		// profile; going back to zero reinstates the blocking profile.
		if change.Allocation == 0 {
			return l.driver.SetBlockingProfile(change.ChargerId, change.ConnectorId)
		}
		if err := l.driver.ClearBlockingProfile(change.ChargerId, change.ConnectorId); err != nil {
			return err
		}
		l.registry.SetBlockingProfileReset(change.ChargerId, change.ConnectorId, false)
		return nil
	}
	if change.MarkUnused {
		// Remove the TxProfile allocation and block further draw until the
		// suspension deadline.
		if err := l.driver.SetTxProfile(change.ChargerId, change.ConnectorId, change.TransactionId, 0); err != nil {
			return err
		}
		return l.driver.SetBlockingProfile(change.ChargerId, change.ConnectorId)
	}
	return l.driver.SetTxProfile(change.ChargerId, change.ConnectorId, change.TransactionId, change.Allocation)
}
