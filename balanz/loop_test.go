package balanz

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ocpp-balanz/balanz/internal"
	"github.com/ocpp-balanz/balanz/internal/config"
	"github.com/ocpp-balanz/balanz/models"
	"github.com/ocpp-balanz/balanz/ocpp/core"
)

type fakeDriver struct {
	mux   sync.Mutex
	calls []string
	fail  map[string]bool
}

func (d *fakeDriver) record(call string) error {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.calls = append(d.calls, call)
	if d.fail[call] {
		return fmt.Errorf("simulated failure: %s", call)
	}
	return nil
}

func (d *fakeDriver) ClearAllDefaultProfiles(chargerId string) error {
	return d.record("clear-defaults " + chargerId)
}

func (d *fakeDriver) SetMinimumProfile(chargerId string) error {
	return d.record("minimum " + chargerId)
}

func (d *fakeDriver) SetBlockingProfile(chargerId string, connectorId int) error {
	return d.record(fmt.Sprintf("blocking %s/%d", chargerId, connectorId))
}

func (d *fakeDriver) ClearBlockingProfile(chargerId string, connectorId int) error {
	return d.record(fmt.Sprintf("clear-blocking %s/%d", chargerId, connectorId))
}

func (d *fakeDriver) SetTxProfile(chargerId string, connectorId, transactionId, limit int) error {
	return d.record(fmt.Sprintf("tx %s/%d #%d %dA", chargerId, connectorId, transactionId, limit))
}

func (d *fakeDriver) RequestStatus(chargerId string) error {
	return d.record("status " + chargerId)
}

func (d *fakeDriver) has(call string) bool {
	d.mux.Lock()
	defer d.mux.Unlock()
	for _, c := range d.calls {
		if c == call {
			return true
		}
	}
	return false
}

type nopLogger struct{}

func (nopLogger) FeatureEvent(feature, id, text string) {}
func (nopLogger) Debug(text string)                     {}
func (nopLogger) Warn(text string)                      {}
func (nopLogger) Error(text string, err error)          {}
func (nopLogger) RawDataEvent(direction, data string)   {}

var _ internal.LogHandler = nopLogger{}

func loopConfig() *config.Config {
	conf := &config.Config{}
	conf.Balanz.RunInterval = 5
	conf.Balanz.IntervalsFull = 12
	conf.Balanz.MinAllocation = 6
	conf.Balanz.DefaultMaxAllocation = 32
	conf.Balanz.DefaultPriority = 1
	conf.Balanz.MaxOfferIncrease = 3
	conf.Balanz.MinOfferIncreaseInterval = 115
	conf.Balanz.UsageMonitoringInterval = 300
	conf.Balanz.UsageThreshold = 2
	conf.Balanz.MarginLower = 0.8
	conf.Balanz.MarginIncrease = 1
	conf.Balanz.EnergyThreshold = 1000
	conf.Balanz.SuspendedAllocationTimeout = 300
	conf.Balanz.SuspendedDelayedTime = 3600
	conf.Balanz.SuspendedDelayedTimeNotFirst = 900
	return conf
}

func loopRegistry(t *testing.T, conf *config.Config) *models.Registry {
	t.Helper()
	registry := models.NewRegistry(conf)
	if err := registry.ReplaceGroups(mustGroups(t)); err != nil {
		t.Fatal(err)
	}
	if err := registry.AddCharger(models.NewCharger("CP-1", "one", "SITE", 2, 1, 32)); err != nil {
		t.Fatal(err)
	}
	registry.SetChargerConnected("CP-1", true)
	return registry
}

func mustGroups(t *testing.T) []*models.Group {
	t.Helper()
	return []*models.Group{{GroupId: "SITE", MaxAllocation: mustSchedule(t, "00:00-23:59>0=48")}}
}

func TestLoopInitializesProfiles(t *testing.T) {
	conf := loopConfig()
	driver := &fakeDriver{}
	registry := loopRegistry(t, conf)
	loop := NewLoop(conf, registry, driver, nopLogger{})

	loop.runOnce()

	for _, call := range []string{"clear-defaults CP-1", "blocking CP-1/1", "blocking CP-1/2", "minimum CP-1"} {
		if !driver.has(call) {
			t.Errorf("missing profile call %q, got %v", call, driver.calls)
		}
	}
	charger, _ := registry.GetCharger("CP-1")
	if !charger.ProfileInitialized {
		t.Error("charger must be marked initialized")
	}
}

func TestLoopInitFailureRetries(t *testing.T) {
	conf := loopConfig()
	driver := &fakeDriver{fail: map[string]bool{"blocking CP-1/1": true}}
	registry := loopRegistry(t, conf)
	loop := NewLoop(conf, registry, driver, nopLogger{})

	loop.runOnce()
	charger, _ := registry.GetCharger("CP-1")
	if charger.ProfileInitialized {
		t.Error("failed initialization must not be marked done")
	}
}

func TestLoopStartsWaitingConnector(t *testing.T) {
	conf := loopConfig()
	driver := &fakeDriver{}
	registry := loopRegistry(t, conf)
	loop := NewLoop(conf, registry, driver, nopLogger{})

	// First cycle installs profiles, second requests status.
	loop.runOnce()
	loop.runOnce()

	// A tag is presented; the connector waits in SuspendedEVSE.
	if err := registry.StatusNotification("CP-1", 1, core.ChargePointStatusSuspendedEVSE, "NoError", ""); err != nil {
		t.Fatal(err)
	}
	loop.runOnce()

	if !driver.has("clear-blocking CP-1/1") {
		t.Errorf("expected blocking profile cleared for start, got %v", driver.calls)
	}
	charger, _ := registry.GetCharger("CP-1")
	if charger.Connectors[1].Offered != 6 {
		t.Errorf("offer after start grant: got %d, want 6", charger.Connectors[1].Offered)
	}
}

func TestLoopSetsInitialTxProfile(t *testing.T) {
	conf := loopConfig()
	driver := &fakeDriver{}
	registry := loopRegistry(t, conf)
	loop := NewLoop(conf, registry, driver, nopLogger{})
	loop.runOnce()
	loop.runOnce()

	txId, err := registry.StartTransaction("CP-1", 1, "TAG", 0, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	loop.runOnce()

	want := fmt.Sprintf("tx CP-1/1 #%d 6A", txId)
	if !driver.has(want) {
		t.Errorf("expected initial TxProfile %q, got %v", want, driver.calls)
	}
	if !driver.has("blocking CP-1/1") {
		t.Error("blocking profile must be reinstated after the initial TxProfile")
	}
}

func TestLoopBacksOffFailingCharger(t *testing.T) {
	conf := loopConfig()
	driver := &fakeDriver{}
	registry := loopRegistry(t, conf)
	if err := registry.AddCharger(models.NewCharger("CP-2", "two", "SITE", 1, 1, 32)); err != nil {
		t.Fatal(err)
	}
	registry.SetChargerConnected("CP-2", true)
	loop := NewLoop(conf, registry, driver, nopLogger{})
	loop.runOnce() // init both chargers
	loop.runOnce() // status requests

	// Both connectors waiting to start; CP-1 fails its grant.
	driver.fail = map[string]bool{"clear-blocking CP-1/1": true}
	if err := registry.StatusNotification("CP-1", 1, core.ChargePointStatusSuspendedEVSE, "NoError", ""); err != nil {
		t.Fatal(err)
	}
	if err := registry.StatusNotification("CP-2", 1, core.ChargePointStatusSuspendedEVSE, "NoError", ""); err != nil {
		t.Fatal(err)
	}
	loop.runOnce()

	chargerOne, _ := registry.GetCharger("CP-1")
	chargerTwo, _ := registry.GetCharger("CP-2")
	if chargerOne.Connectors[1].Offered != 0 {
		t.Errorf("failed commit must leave the installed offer, got %d", chargerOne.Connectors[1].Offered)
	}
	if chargerTwo.Connectors[1].Offered != 6 {
		t.Errorf("healthy charger must still receive its grant, got %d", chargerTwo.Connectors[1].Offered)
	}
}
