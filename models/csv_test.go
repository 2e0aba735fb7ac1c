package models

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGroupsCSVRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "groups.csv")
	content := "group_id,parent_id,description,max_allocation,priority\n" +
		"SITE,,Main site,00:00-23:59>0=48,\n" +
		"ROW,SITE,Row one,,2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	groups, err := ReadGroupsCSV(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	site := groups[0]
	if !site.IsAllocationGroup() {
		t.Error("SITE must be an allocation group")
	}
	row := groups[1]
	if row.ParentId != "SITE" || row.Priority == nil || *row.Priority != 2 {
		t.Errorf("ROW parsed wrong: %+v", row)
	}

	out := filepath.Join(dir, "groups_out.csv")
	if err := WriteGroupsCSV(out, groups); err != nil {
		t.Fatal(err)
	}
	reread, err := ReadGroupsCSV(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(reread) != 2 || reread[0].MaxAllocationText() != site.MaxAllocationText() {
		t.Errorf("round trip changed groups: %+v", reread)
	}
}

func TestChargersCSVDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chargers.csv")
	content := "charger_id,alias,group_id,no_connectors,priority,description,conn_max,auth_sha\n" +
		"CP-1,one,SITE,2,3,desc,32,abc\n" +
		"CP-2,two,SITE,,,,,\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	chargers, err := ReadChargersCSV(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(chargers) != 2 {
		t.Fatalf("got %d chargers, want 2", len(chargers))
	}
	if len(chargers[0].Connectors) != 2 || chargers[0].ConnMax != 32 || chargers[0].AuthSHA != "abc" {
		t.Errorf("CP-1 parsed wrong: %+v", chargers[0])
	}
	if len(chargers[1].Connectors) != 1 {
		t.Errorf("missing no_connectors must default to 1, got %d", len(chargers[1].Connectors))
	}
}

func TestSessionCSVWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.csv")
	writer, err := NewSessionCSVWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	six := 6
	nine := 9
	start := time.Date(2025, 6, 12, 8, 0, 0, 0, time.UTC)
	session := &Session{
		SessionId:    "CP-1-2025-06-12-08:00:00",
		ChargerId:    "CP-1",
		ChargerAlias: "one",
		GroupId:      "SITE",
		IdTag:        "TAG-1",
		UserName:     "Alice",
		StartTime:    start,
		EndTime:      start.Add(90 * time.Minute),
		EnergyWh:     12345,
		Reason:       "Local",
		History: []ChargingHistory{
			{Timestamp: start, Offered: &six},
			{Timestamp: start.Add(10 * time.Minute), Offered: &nine},
			{Timestamp: start.Add(90 * time.Minute), Offered: nil},
		},
	}
	if err := writer.Append(session); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want header plus one row", len(lines))
	}
	row := lines[1]
	if !strings.Contains(row, "01:30:00") {
		t.Errorf("duration missing from row: %s", row)
	}
	if !strings.Contains(row, "12.345") {
		t.Errorf("energy in kWh missing from row: %s", row)
	}
	if !strings.Contains(row, "2025-06-12 08:00:00=6A;2025-06-12 08:10:00=9A;2025-06-12 09:30:00=None") {
		t.Errorf("history format wrong: %s", row)
	}

	// Appending again must not duplicate the header.
	writer, err = NewSessionCSVWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.Append(session); err != nil {
		t.Fatal(err)
	}
	writer.Close()
	data, _ = os.ReadFile(path)
	if strings.Count(string(data), "session_id") != 1 {
		t.Error("header duplicated on append")
	}
}
