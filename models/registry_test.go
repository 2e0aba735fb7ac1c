package models

import (
	"testing"
	"time"

	"github.com/ocpp-balanz/balanz/internal/config"
	"github.com/ocpp-balanz/balanz/ocpp/core"
	"github.com/ocpp-balanz/balanz/schedule"
)

func testConfig() *config.Config {
	conf := &config.Config{}
	conf.Balanz.UsageMonitoringInterval = 300
	conf.Balanz.MinAllocation = 6
	conf.Balanz.DefaultPriority = 1
	conf.Balanz.DefaultMaxAllocation = 32
	return conf
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry(testConfig())
	sched, err := schedule.Parse("00:00-23:59>0=48")
	if err != nil {
		t.Fatal(err)
	}
	if err := registry.AddGroup(&Group{GroupId: "SITE", MaxAllocation: sched}); err != nil {
		t.Fatal(err)
	}
	if err := registry.AddCharger(NewCharger("CP-1", "one", "SITE", 2, 1, 32)); err != nil {
		t.Fatal(err)
	}
	return registry
}

func TestAddChargerUnknownGroup(t *testing.T) {
	registry := NewRegistry(testConfig())
	err := registry.AddCharger(NewCharger("CP-1", "one", "NOPE", 1, 1, 32))
	if err == nil {
		t.Fatal("charger in unknown group must be rejected")
	}
	if _, ok := err.(*ModelError); !ok {
		t.Errorf("want ModelError, got %T", err)
	}
}

func TestDeleteGroupWithChargers(t *testing.T) {
	registry := testRegistry(t)
	if err := registry.DeleteGroup("SITE"); err == nil {
		t.Error("deleting a group still holding chargers must fail")
	}
}

func TestDeleteChargerWithLiveSession(t *testing.T) {
	registry := testRegistry(t)
	if _, err := registry.StartTransaction("CP-1", 1, "TAG-1", 100, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := registry.DeleteCharger("CP-1"); err == nil {
		t.Error("deleting a charger with a live session must fail")
	}
}

func TestFindChargerIdWinsOverAlias(t *testing.T) {
	registry := testRegistry(t)
	if err := registry.AddCharger(NewCharger("CP-2", "CP-1", "SITE", 1, 1, 32)); err != nil {
		t.Fatal(err)
	}
	charger, ok := registry.FindCharger("CP-1", "CP-1")
	if !ok || charger.Id != "CP-1" {
		t.Errorf("id lookup must win, got %+v", charger)
	}
	charger, ok = registry.FindCharger("", "CP-1")
	if !ok || charger.Id != "CP-2" {
		t.Errorf("alias lookup should find CP-2, got %+v", charger)
	}
}

func TestTransactionPriorityFromTag(t *testing.T) {
	registry := testRegistry(t)
	priority := 5
	if err := registry.AddTag(&Tag{IdTag: "vip", UserName: "Alice", Status: TagStatusActivated, Priority: &priority}); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.StartTransaction("CP-1", 1, "VIP", 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	snap := registry.Snapshot()
	for _, conn := range snap.Connectors {
		if conn.ChargerId == "CP-1" && conn.ConnectorId == 1 {
			if conn.Priority != 5 {
				t.Errorf("session priority: got %d, want 5 from tag", conn.Priority)
			}
			return
		}
	}
	t.Fatal("connector not found in snapshot")
}

type captureWriter struct {
	sessions []*Session
}

func (w *captureWriter) Append(session *Session) error {
	w.sessions = append(w.sessions, session)
	return nil
}

func TestStopTransactionArchivesSession(t *testing.T) {
	registry := testRegistry(t)
	writer := &captureWriter{}
	registry.SetSessionWriter(writer)

	start := time.Now().Add(-time.Hour)
	txId, err := registry.StartTransaction("CP-1", 1, "TAG-1", 1000, start)
	if err != nil {
		t.Fatal(err)
	}
	registry.CommitOffer("CP-1", 1, 6, false, time.Time{}, 0)
	registry.CommitOffer("CP-1", 1, 9, false, time.Time{}, 0)

	session, err := registry.StopTransaction("CP-1", txId, 3500, time.Now(), "Local", "TAG-2")
	if err != nil {
		t.Fatal(err)
	}
	if session.EnergyWh != 2500 {
		t.Errorf("energy: got %d, want 2500", session.EnergyWh)
	}
	if session.StopIdTag != "TAG-2" {
		t.Errorf("stop id tag: got %q", session.StopIdTag)
	}
	if len(writer.sessions) != 1 {
		t.Fatalf("session writer received %d sessions, want 1", len(writer.sessions))
	}
	history := session.History
	if len(history) != 3 {
		t.Fatalf("history length: got %d, want 3 (two offers plus final zero)", len(history))
	}
	if history[len(history)-1].Offered == nil || *history[len(history)-1].Offered != 0 {
		t.Error("final history entry must be the installed zero offer")
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Error("history timestamps must be non-decreasing")
		}
	}

	charger, _ := registry.GetCharger("CP-1")
	conn := charger.Connectors[1]
	if conn.Transaction != nil || conn.Offered != 0 {
		t.Errorf("connector not cleaned up: tx=%v offered=%d", conn.Transaction, conn.Offered)
	}
}

func TestStatusNotificationFaultZeroesOffer(t *testing.T) {
	registry := testRegistry(t)
	if _, err := registry.StartTransaction("CP-1", 1, "TAG-1", 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	registry.CommitOffer("CP-1", 1, 16, false, time.Time{}, 0)
	if err := registry.StatusNotification("CP-1", 1, core.ChargePointStatusFaulted, "GroundFailure", ""); err != nil {
		t.Fatal(err)
	}
	charger, _ := registry.GetCharger("CP-1")
	if offered := charger.Connectors[1].Offered; offered != 0 {
		t.Errorf("faulted connector offer: got %d, want 0", offered)
	}
}

func TestMarkChargerDead(t *testing.T) {
	registry := testRegistry(t)
	registry.SetChargerConnected("CP-1", true)
	if _, err := registry.StartTransaction("CP-1", 1, "TAG-1", 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	registry.CommitOffer("CP-1", 1, 6, false, time.Time{}, 0)

	registry.MarkChargerDead("CP-1")
	charger, _ := registry.GetCharger("CP-1")
	if charger.Connected {
		t.Error("charger must be disconnected")
	}
	for _, conn := range charger.Connectors {
		if conn.Status != StatusUnknown {
			t.Errorf("connector %d status: got %s, want Unknown", conn.Id, conn.Status)
		}
		if conn.Offered != 0 {
			t.Errorf("connector %d offer: got %d, want 0", conn.Id, conn.Offered)
		}
	}
	// The live session survives until the transaction timeout.
	if charger.Connectors[1].Transaction == nil {
		t.Error("live session must survive the disconnect")
	}
}

func TestReapStaleTransactions(t *testing.T) {
	registry := testRegistry(t)
	if _, err := registry.StartTransaction("CP-1", 1, "TAG-1", 0, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	// Last update is ancient; the reaper must close the session.
	registry.MarkChargerDead("CP-1")
	charger, _ := registry.GetCharger("CP-1")
	charger.LastUpdate = time.Now().Add(-2 * time.Hour)
	closed := registry.ReapStaleTransactions(time.Hour)
	if len(closed) != 1 {
		t.Fatalf("closed %d sessions, want 1", len(closed))
	}
	if closed[0].Reason != ReasonStale {
		t.Errorf("stop reason: got %q, want %q", closed[0].Reason, ReasonStale)
	}
}

func TestReplaceChargersClosesOrphans(t *testing.T) {
	registry := testRegistry(t)
	writer := &captureWriter{}
	registry.SetSessionWriter(writer)
	if _, err := registry.StartTransaction("CP-1", 1, "TAG-1", 0, time.Now()); err != nil {
		t.Fatal(err)
	}

	replacement := NewCharger("CP-9", "nine", "SITE", 1, 1, 32)
	if err := registry.ReplaceChargers([]*Charger{replacement}); err != nil {
		t.Fatal(err)
	}
	if _, ok := registry.GetCharger("CP-1"); ok {
		t.Error("dropped charger must be removed")
	}
	if len(writer.sessions) != 1 || writer.sessions[0].Reason != ReasonConfigReload {
		t.Errorf("orphaned session must be closed with config_reload, got %+v", writer.sessions)
	}
}

func TestReplaceGroupsRejectsDanglingCharger(t *testing.T) {
	registry := testRegistry(t)
	if err := registry.ReplaceGroups([]*Group{{GroupId: "OTHER"}}); err == nil {
		t.Error("reload dropping a referenced group must fail")
	}
}

func TestGroupCycleDetection(t *testing.T) {
	registry := NewRegistry(testConfig())
	err := registry.ReplaceGroups([]*Group{
		{GroupId: "A", ParentId: "B"},
		{GroupId: "B", ParentId: "A"},
	})
	if err == nil {
		t.Error("group cycle must be rejected")
	}
}

func TestAuthorize(t *testing.T) {
	registry := testRegistry(t)
	if err := registry.AddTag(&Tag{IdTag: "OK-1", Status: TagStatusActivated, ParentIdTag: "FAM"}); err != nil {
		t.Fatal(err)
	}
	if err := registry.AddTag(&Tag{IdTag: "BAD-1", Status: TagStatusBlocked}); err != nil {
		t.Fatal(err)
	}

	info := registry.Authorize("CP-1", "ok-1", true, false)
	if info.Status != "Accepted" || info.ParentIdTag != "FAM" {
		t.Errorf("activated tag: got %+v", info)
	}
	if info := registry.Authorize("CP-1", "BAD-1", true, false); info.Status != "Blocked" {
		t.Errorf("blocked tag: got %s", info.Status)
	}
	if info := registry.Authorize("CP-1", "WHO", true, false); info.Status != "Invalid" {
		t.Errorf("unknown tag: got %s", info.Status)
	}
	if info := registry.Authorize("CP-1", "WHO", true, true); info.Status != "Accepted" {
		t.Errorf("unknown tag with accept policy: got %s", info.Status)
	}
}

func TestAuthorizeConcurrentTag(t *testing.T) {
	registry := testRegistry(t)
	if err := registry.AddCharger(NewCharger("CP-2", "two", "SITE", 1, 1, 32)); err != nil {
		t.Fatal(err)
	}
	if err := registry.AddTag(&Tag{IdTag: "ONE", Status: TagStatusActivated}); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.StartTransaction("CP-1", 1, "ONE", 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	if info := registry.Authorize("CP-2", "ONE", false, false); info.Status != "ConcurrentTx" {
		t.Errorf("concurrent use: got %s", info.Status)
	}
	if info := registry.Authorize("CP-2", "ONE", true, false); info.Status != "Accepted" {
		t.Errorf("concurrent allowed: got %s", info.Status)
	}
}

func TestSetBalanzState(t *testing.T) {
	registry := testRegistry(t)
	if err := registry.SetBalanzState("SITE", true); err != nil {
		t.Fatal(err)
	}
	group, _ := registry.GetGroup("SITE")
	if !group.Suspended {
		t.Error("group must be suspended")
	}
	if err := registry.SetBalanzState("NOPE", true); err == nil {
		t.Error("unknown group must be rejected")
	}
}

func TestEffectivePriorityChain(t *testing.T) {
	conf := testConfig()
	registry := NewRegistry(conf)
	groupPriority := 3
	sched, _ := schedule.Parse("00:00-23:59>0=48")
	if err := registry.AddGroup(&Group{GroupId: "ROOT", MaxAllocation: sched, Priority: &groupPriority}); err != nil {
		t.Fatal(err)
	}
	if err := registry.AddGroup(&Group{GroupId: "SUB", ParentId: "ROOT"}); err != nil {
		t.Fatal(err)
	}
	// Charger priority 0 means unset, so the group priority applies.
	if err := registry.AddCharger(NewCharger("CP-1", "one", "SUB", 1, 0, 32)); err != nil {
		t.Fatal(err)
	}
	snap := registry.Snapshot()
	if got := snap.Connectors[0].Priority; got != 3 {
		t.Errorf("group priority must apply, got %d", got)
	}

	// An explicit session priority beats everything.
	if _, err := registry.StartTransaction("CP-1", 1, "X", 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := registry.SetChargePriority("CP-1", 1, 7); err != nil {
		t.Fatal(err)
	}
	snap = registry.Snapshot()
	if got := snap.Connectors[0].Priority; got != 7 {
		t.Errorf("session override must apply, got %d", got)
	}
}

func TestSnapshotAllocationChain(t *testing.T) {
	registry := NewRegistry(testConfig())
	sched, _ := schedule.Parse("00:00-23:59>0=48")
	if err := registry.ReplaceGroups([]*Group{
		{GroupId: "ROOT", MaxAllocation: sched},
		{GroupId: "MID", ParentId: "ROOT"},
		{GroupId: "LEAF", ParentId: "MID", MaxAllocation: sched},
	}); err != nil {
		t.Fatal(err)
	}
	snap := registry.Snapshot()
	chain := snap.AllocationGroupChain("LEAF")
	if len(chain) != 2 {
		t.Fatalf("chain length: got %d, want 2", len(chain))
	}
	if chain[0].GroupId != "LEAF" || chain[1].GroupId != "ROOT" {
		t.Errorf("chain order: got %s, %s", chain[0].GroupId, chain[1].GroupId)
	}
}
