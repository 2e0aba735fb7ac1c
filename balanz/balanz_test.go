package balanz

import (
	"testing"
	"time"

	"github.com/ocpp-balanz/balanz/models"
	"github.com/ocpp-balanz/balanz/ocpp/core"
	"github.com/ocpp-balanz/balanz/schedule"
)

func testSettings() Settings {
	return Settings{
		MinAllocation:                6,
		MaxOfferIncrease:             3,
		MinOfferIncreaseInterval:     115 * time.Second,
		UsageMonitoringInterval:      300 * time.Second,
		UsageThreshold:               2,
		MarginLower:                  0.8,
		MarginIncrease:               1,
		EnergyThresholdWh:            1000,
		SuspendedAllocationTimeout:   300 * time.Second,
		SuspendedDelayedTime:         3600 * time.Second,
		SuspendedDelayedTimeNotFirst: 900 * time.Second,
	}
}

func mustSchedule(t *testing.T, definition string) *schedule.Schedule {
	t.Helper()
	s, err := schedule.Parse(definition)
	if err != nil {
		t.Fatalf("schedule parse: %v", err)
	}
	return s
}

func allocGroup(t *testing.T, id, parent, definition string) *models.GroupView {
	t.Helper()
	return &models.GroupView{GroupId: id, ParentId: parent, MaxAllocation: mustSchedule(t, definition)}
}

func newSnap(groups ...*models.GroupView) *models.Snapshot {
	snap := &models.Snapshot{Groups: make(map[string]*models.GroupView)}
	for _, group := range groups {
		snap.Groups[group.GroupId] = group
	}
	return snap
}

func findChange(changes []OfferChange, chargerId string, connectorId int) *OfferChange {
	for i := range changes {
		if changes[i].ChargerId == chargerId && changes[i].ConnectorId == connectorId {
			return &changes[i]
		}
	}
	return nil
}

func TestStartCaseGrantsMinimum(t *testing.T) {
	now := time.Now()
	snap := newSnap(allocGroup(t, "RR2", "", "00:00-23:59>0=24"))
	snap.Connectors = []*models.ConnectorView{{
		ChargerId:   "RR2-01",
		ConnectorId: 1,
		GroupId:     "RR2",
		Status:      core.ChargePointStatusSuspendedEVSE,
		ConnMax:     32,
		Connected:   true,
		Priority:    1,
	}}
	reduce, grow := Compute(snap, now, testSettings())
	if len(reduce) != 0 {
		t.Fatalf("unexpected reductions: %+v", reduce)
	}
	change := findChange(grow, "RR2-01", 1)
	if change == nil {
		t.Fatal("expected a grow change for the starting connector")
	}
	if change.Allocation != 6 {
		t.Errorf("first offer: got %dA, want 6A", change.Allocation)
	}
	if change.TransactionId != 0 {
		t.Errorf("start case must not carry a transaction id, got %d", change.TransactionId)
	}
}

func TestGrowthBoundedByMaxOfferIncrease(t *testing.T) {
	now := time.Now()
	snap := newSnap(allocGroup(t, "RR2", "", "00:00-23:59>0=24"))
	snap.Connectors = []*models.ConnectorView{{
		ChargerId:       "RR2-01",
		ConnectorId:     1,
		GroupId:         "RR2",
		Status:          core.ChargePointStatusCharging,
		Offered:         6,
		LastOfferChange: now.Add(-120 * time.Second),
		ConnMax:         32,
		Connected:       true,
		Priority:        1,
		TransactionId:   7,
		HasTransaction:  true,
		MaxRecentUsage:  5.9,
	}}
	_, grow := Compute(snap, now, testSettings())
	change := findChange(grow, "RR2-01", 1)
	if change == nil {
		t.Fatal("expected growth")
	}
	if change.Allocation != 9 {
		t.Errorf("growth step: got %dA, want 9A", change.Allocation)
	}
	if change.TransactionId != 7 {
		t.Errorf("transaction id: got %d, want 7", change.TransactionId)
	}
}

func TestNoGrowthWithinIncreaseInterval(t *testing.T) {
	now := time.Now()
	snap := newSnap(allocGroup(t, "RR2", "", "00:00-23:59>0=24"))
	snap.Connectors = []*models.ConnectorView{{
		ChargerId:       "RR2-01",
		ConnectorId:     1,
		GroupId:         "RR2",
		Status:          core.ChargePointStatusCharging,
		Offered:         9,
		LastOfferChange: now.Add(-30 * time.Second),
		ConnMax:         32,
		Connected:       true,
		Priority:        1,
		TransactionId:   7,
		HasTransaction:  true,
		MaxRecentUsage:  8.7,
	}}
	reduce, grow := Compute(snap, now, testSettings())
	if len(reduce) != 0 || len(grow) != 0 {
		t.Errorf("expected no changes inside the increase interval, got reduce=%v grow=%v", reduce, grow)
	}
}

func TestPriorityGating(t *testing.T) {
	// Evening window disables priority 0 and allows 48A for priority 5 up.
	now := time.Date(2025, 6, 12, 18, 0, 0, 0, time.UTC)
	snap := newSnap(allocGroup(t, "RR1", "", "00:00-16:59>0=48;17:00-20:59>0=0:5=48;21:00-23:59>0=48"))
	snap.Connectors = []*models.ConnectorView{
		{
			ChargerId: "RR1-01", ConnectorId: 1, GroupId: "RR1",
			Status: core.ChargePointStatusCharging, Offered: 6,
			LastOfferChange: now.Add(-300 * time.Second),
			ConnMax:         32, Connected: true, Priority: 1,
			TransactionId: 1, HasTransaction: true, MaxRecentUsage: 5.8,
		},
		{
			ChargerId: "RR1-02", ConnectorId: 1, GroupId: "RR1",
			Status: core.ChargePointStatusCharging, Offered: 6,
			LastOfferChange: now.Add(-120 * time.Second),
			ConnMax:         32, Connected: true, Priority: 5,
			TransactionId: 2, HasTransaction: true, MaxRecentUsage: 5.8,
		},
	}
	reduce, grow := Compute(snap, now, testSettings())

	lowPriority := findChange(reduce, "RR1-01", 1)
	if lowPriority == nil || lowPriority.Allocation != 0 {
		t.Errorf("priority 1 connector must lose its offer in the gated window, got %+v", lowPriority)
	}
	highPriority := findChange(grow, "RR1-02", 1)
	if highPriority == nil || highPriority.Allocation != 9 {
		t.Errorf("priority 5 connector should grow to 9A, got %+v", highPriority)
	}
}

func TestReductionToUsagePlusOne(t *testing.T) {
	now := time.Now()
	snap := newSnap(allocGroup(t, "RR2", "", "00:00-23:59>0=48"))
	snap.Connectors = []*models.ConnectorView{{
		ChargerId:       "RR2-01",
		ConnectorId:     1,
		GroupId:         "RR2",
		Status:          core.ChargePointStatusCharging,
		Offered:         16,
		LastOfferChange: now.Add(-400 * time.Second),
		ConnMax:         32,
		Connected:       true,
		Priority:        1,
		TransactionId:   3,
		HasTransaction:  true,
		MaxRecentUsage:  10.0,
	}}
	reduce, _ := Compute(snap, now, testSettings())
	change := findChange(reduce, "RR2-01", 1)
	if change == nil {
		t.Fatal("expected a reduction")
	}
	if change.Allocation != 11 {
		t.Errorf("reduced offer: got %dA, want 11A", change.Allocation)
	}
	if change.PlateauA != 11 {
		t.Errorf("plateau: got %d, want 11", change.PlateauA)
	}
}

func TestPlateauLimitsGrowth(t *testing.T) {
	now := time.Now()
	snap := newSnap(allocGroup(t, "RR2", "", "00:00-23:59>0=48"))
	snap.Connectors = []*models.ConnectorView{{
		ChargerId:       "RR2-01",
		ConnectorId:     1,
		GroupId:         "RR2",
		Status:          core.ChargePointStatusCharging,
		Offered:         11,
		LastOfferChange: now.Add(-200 * time.Second),
		ConnMax:         32,
		Connected:       true,
		Priority:        1,
		TransactionId:   3,
		HasTransaction:  true,
		MaxRecentUsage:  10.8,
		PlateauA:        11,
	}}
	reduce, grow := Compute(snap, now, testSettings())
	if len(reduce) != 0 || len(grow) != 0 {
		t.Errorf("plateau must hold the offer at 11A, got reduce=%v grow=%v", reduce, grow)
	}
}

func TestUnusedReclamation(t *testing.T) {
	now := time.Now()
	snap := newSnap(allocGroup(t, "RR2", "", "00:00-23:59>0=48"))
	snap.Connectors = []*models.ConnectorView{{
		ChargerId:       "RR2-01",
		ConnectorId:     1,
		GroupId:         "RR2",
		Status:          core.ChargePointStatusSuspendedEV,
		Offered:         6,
		LastOfferChange: now.Add(-400 * time.Second),
		ConnMax:         32,
		Connected:       true,
		Priority:        1,
		TransactionId:   4,
		HasTransaction:  true,
		MaxRecentUsage:  0.5,
		EnergyDeltaWh:   200,
	}}
	reduce, _ := Compute(snap, now, testSettings())
	change := findChange(reduce, "RR2-01", 1)
	if change == nil {
		t.Fatal("expected the offer to be reclaimed")
	}
	if change.Allocation != 0 || !change.MarkUnused {
		t.Errorf("reclamation: got allocation %d markUnused %v", change.Allocation, change.MarkUnused)
	}
	if change.SuspendUntil.Before(now.Add(300 * time.Second)) {
		t.Errorf("re-evaluation must be deferred at least 300s, got %v", change.SuspendUntil.Sub(now))
	}
}

func TestReclamationTopOfHour(t *testing.T) {
	now := time.Date(2025, 6, 12, 14, 40, 0, 0, time.UTC)
	settings := testSettings()
	settings.SuspendTopOfHour = true
	snap := newSnap(allocGroup(t, "RR2", "", "00:00-23:59>0=48"))
	snap.Connectors = []*models.ConnectorView{{
		ChargerId:       "RR2-01",
		ConnectorId:     1,
		GroupId:         "RR2",
		Status:          core.ChargePointStatusSuspendedEV,
		Offered:         6,
		LastOfferChange: now.Add(-400 * time.Second),
		ConnMax:         32,
		Connected:       true,
		Priority:        1,
		TransactionId:   4,
		HasTransaction:  true,
		MaxRecentUsage:  0.5,
		EnergyDeltaWh:   200,
	}}
	reduce, _ := Compute(snap, now, settings)
	change := findChange(reduce, "RR2-01", 1)
	if change == nil {
		t.Fatal("expected the offer to be reclaimed")
	}
	want := time.Date(2025, 6, 12, 14, 57, 30, 0, time.UTC)
	if !change.SuspendUntil.Equal(want) {
		t.Errorf("top of hour deferral: got %v, want %v", change.SuspendUntil, want)
	}
}

func TestGroupBudgetConflict(t *testing.T) {
	now := time.Now()
	snap := newSnap(allocGroup(t, "RR2", "", "00:00-23:59>0=24"))
	for i := 1; i <= 4; i++ {
		snap.Connectors = append(snap.Connectors, &models.ConnectorView{
			ChargerId:       "RR2-0" + string(rune('0'+i)),
			ConnectorId:     1,
			GroupId:         "RR2",
			Status:          core.ChargePointStatusCharging,
			Offered:         6,
			LastOfferChange: now.Add(-200 * time.Second),
			ConnMax:         32,
			Connected:       true,
			Priority:        1,
			TransactionId:   i,
			HasTransaction:  true,
			MaxRecentUsage:  5.7,
		})
	}
	reduce, grow := Compute(snap, now, testSettings())
	if len(reduce) != 0 || len(grow) != 0 {
		t.Errorf("cap exhausted at 4x6A, expected no changes, got reduce=%v grow=%v", reduce, grow)
	}

	// One charger disconnects; the remaining three share the freed capacity.
	snap.Connectors[3].Connected = false
	reduce, grow = Compute(snap, now, testSettings())
	if len(reduce) != 0 {
		t.Fatalf("unexpected reductions: %+v", reduce)
	}
	total := 0
	for _, conn := range snap.Connectors[:3] {
		change := findChange(grow, conn.ChargerId, 1)
		if change == nil {
			t.Fatalf("expected growth for %s", conn.ChargerId)
		}
		if change.Allocation <= 6 || change.Allocation > 9 {
			t.Errorf("%s allocation %dA outside (6,9]", conn.ChargerId, change.Allocation)
		}
		total += change.Allocation
	}
	if total > 24 {
		t.Errorf("allocations exceed the group cap: %dA", total)
	}
}

func TestNestedGroupCapsCompound(t *testing.T) {
	now := time.Now()
	parent := allocGroup(t, "SITE", "", "00:00-23:59>0=10")
	child := allocGroup(t, "ROW", "SITE", "00:00-23:59>0=48")
	snap := newSnap(parent, child)
	for i := 1; i <= 2; i++ {
		snap.Connectors = append(snap.Connectors, &models.ConnectorView{
			ChargerId:   "ROW-0" + string(rune('0'+i)),
			ConnectorId: 1,
			GroupId:     "ROW",
			Status:      core.ChargePointStatusSuspendedEVSE,
			ConnMax:     32,
			Connected:   true,
			Priority:    1,
		})
	}
	_, grow := Compute(snap, now, testSettings())
	// The parent cap of 10A only admits one minimum allocation.
	if len(grow) != 1 {
		t.Fatalf("expected exactly one grant under the 10A parent cap, got %+v", grow)
	}
	if grow[0].Allocation != 6 {
		t.Errorf("grant: got %dA, want 6A", grow[0].Allocation)
	}
}

func TestSuspendedGroupFrozen(t *testing.T) {
	now := time.Now()
	group := allocGroup(t, "RR2", "", "00:00-23:59>0=24")
	group.Suspended = true
	snap := newSnap(group)
	snap.Connectors = []*models.ConnectorView{{
		ChargerId:       "RR2-01",
		ConnectorId:     1,
		GroupId:         "RR2",
		Status:          core.ChargePointStatusCharging,
		Offered:         16,
		LastOfferChange: now.Add(-400 * time.Second),
		ConnMax:         32,
		Connected:       true,
		Priority:        1,
		TransactionId:   1,
		HasTransaction:  true,
		MaxRecentUsage:  5.0,
	}}
	reduce, grow := Compute(snap, now, testSettings())
	if len(reduce) != 0 || len(grow) != 0 {
		t.Errorf("suspended group must freeze offers, got reduce=%v grow=%v", reduce, grow)
	}
}

func TestFairnessTieBreak(t *testing.T) {
	now := time.Now()
	snap := newSnap(allocGroup(t, "RR2", "", "00:00-23:59>0=13"))
	// Same priority; only one minimum allocation fits on top of the running
	// 6A session (13 - 6 = 7). The connector waiting longest wins.
	snap.Connectors = []*models.ConnectorView{
		{
			ChargerId: "RR2-02", ConnectorId: 1, GroupId: "RR2",
			Status: core.ChargePointStatusSuspendedEVSE, ConnMax: 32,
			Connected: true, Priority: 1,
			LastOfferChange: now.Add(-50 * time.Second),
		},
		{
			ChargerId: "RR2-03", ConnectorId: 1, GroupId: "RR2",
			Status: core.ChargePointStatusSuspendedEVSE, ConnMax: 32,
			Connected: true, Priority: 1,
			LastOfferChange: now.Add(-90 * time.Second),
		},
		{
			ChargerId: "RR2-01", ConnectorId: 1, GroupId: "RR2",
			Status: core.ChargePointStatusCharging, Offered: 6,
			LastOfferChange: now.Add(-70 * time.Second),
			ConnMax:         32, Connected: true, Priority: 1,
			TransactionId: 1, HasTransaction: true, MaxRecentUsage: 5.5,
		},
	}
	_, grow := Compute(snap, now, testSettings())
	if change := findChange(grow, "RR2-03", 1); change == nil || change.Allocation != 6 {
		t.Errorf("oldest waiter should receive the grant, got %+v", grow)
	}
	if change := findChange(grow, "RR2-02", 1); change != nil {
		t.Errorf("newer waiter should not receive a grant, got %+v", change)
	}
}

func TestIdempotentSecondRun(t *testing.T) {
	now := time.Now()
	snap := newSnap(allocGroup(t, "RR2", "", "00:00-23:59>0=24"))
	snap.Connectors = []*models.ConnectorView{
		{
			ChargerId: "RR2-01", ConnectorId: 1, GroupId: "RR2",
			Status: core.ChargePointStatusCharging, Offered: 6,
			LastOfferChange: now.Add(-120 * time.Second),
			ConnMax:         32, Connected: true, Priority: 1,
			TransactionId: 1, HasTransaction: true, MaxRecentUsage: 5.9,
		},
		{
			ChargerId: "RR2-02", ConnectorId: 1, GroupId: "RR2",
			Status: core.ChargePointStatusSuspendedEVSE, ConnMax: 32,
			Connected: true, Priority: 1,
		},
	}
	settings := testSettings()
	reduce, grow := Compute(snap, now, settings)
	if len(reduce)+len(grow) == 0 {
		t.Fatal("expected changes on the first run")
	}
	// Commit the changes the way the registry would.
	for _, change := range append(reduce, grow...) {
		for _, conn := range snap.Connectors {
			if conn.ChargerId == change.ChargerId && conn.ConnectorId == change.ConnectorId {
				conn.Offered = change.Allocation
				if change.Allocation >= settings.MinAllocation {
					conn.LastOfferChange = now
					conn.MaxRecentUsage = 0
				}
				if change.PlateauA > 0 {
					conn.PlateauA = change.PlateauA
				}
			}
		}
	}
	reduce, grow = Compute(snap, now, settings)
	if len(reduce) != 0 || len(grow) != 0 {
		t.Errorf("second run with no input changes must be a no-op, got reduce=%v grow=%v", reduce, grow)
	}
}

func TestCapInvariantHolds(t *testing.T) {
	now := time.Now()
	definition := "00:00-23:59>0=16:3=32"
	snap := newSnap(allocGroup(t, "RR2", "", definition))
	sched := mustSchedule(t, definition)
	priorities := []int{0, 0, 3, 3, 5}
	for i, priority := range priorities {
		snap.Connectors = append(snap.Connectors, &models.ConnectorView{
			ChargerId:       "RR2-0" + string(rune('1'+i)),
			ConnectorId:     1,
			GroupId:         "RR2",
			Status:          core.ChargePointStatusCharging,
			Offered:         6,
			LastOfferChange: now.Add(-200 * time.Second),
			ConnMax:         32,
			Connected:       true,
			Priority:        priority,
			TransactionId:   i + 1,
			HasTransaction:  true,
			MaxRecentUsage:  5.9,
		})
	}
	reduce, grow := Compute(snap, now, testSettings())
	final := make(map[string]int)
	for _, conn := range snap.Connectors {
		final[conn.ChargerId] = conn.Offered
	}
	for _, change := range append(reduce, grow...) {
		final[change.ChargerId] = change.Allocation
	}
	// Every connector counts against the bucket keyed by the greatest
	// threshold at or below its priority; each bucket and the interval
	// ceiling must hold.
	bucketSum := map[int]int{}
	total := 0
	for _, conn := range snap.Connectors {
		bucket := 0
		if conn.Priority >= 3 {
			bucket = 3
		}
		bucketSum[bucket] += final[conn.ChargerId]
		total += final[conn.ChargerId]
	}
	for threshold, sum := range bucketSum {
		if cap := sched.CapAt(now, threshold); sum > cap {
			t.Errorf("bucket %d offers total %dA, cap is %dA", threshold, sum, cap)
		}
	}
	if total > sched.MaxCap(now) {
		t.Errorf("total offers %dA exceed the interval ceiling %dA", total, sched.MaxCap(now))
	}
	for _, conn := range snap.Connectors {
		if final[conn.ChargerId] > conn.ConnMax {
			t.Errorf("%s exceeds conn_max: %d > %d", conn.ChargerId, final[conn.ChargerId], conn.ConnMax)
		}
	}
}
