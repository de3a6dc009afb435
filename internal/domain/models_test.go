package domain

import (
	"encoding/json"
	"testing"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:domain_models?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if (LeaseEntry{}).TableName() != "lease_entries" {
		t.Fatalf("LeaseEntry.TableName() = %q; want %q", (LeaseEntry{}).TableName(), "lease_entries")
	}
	if (OrgSecret{}).TableName() != "org_secrets" {
		t.Fatalf("OrgSecret.TableName() = %q; want %q", (OrgSecret{}).TableName(), "org_secrets")
	}
	if (CapturedEvent{}).TableName() != "captured_events" {
		t.Fatalf("CapturedEvent.TableName() = %q; want %q", (CapturedEvent{}).TableName(), "captured_events")
	}
}

func TestMigrations_TablesAndIndexes(t *testing.T) {
	db := newDomainDB(t)

	if err := db.AutoMigrate(&LeaseEntry{}, &OrgSecret{}, &CapturedEvent{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()

	for _, tbl := range []any{&LeaseEntry{}, &OrgSecret{}, &CapturedEvent{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	if !m.HasIndex(&CapturedEvent{}, "idx_captured_org") {
		t.Fatalf("expected index idx_captured_org on captured_events")
	}
}

func TestCaptureResult_JSONShape(t *testing.T) {
	res := CaptureResult{Accepted: true, IngestedCount: 2, EventIDs: []string{"a", "b"}}
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"accepted":true,"ingested_count":2,"event_ids":["a","b"]}`
	if string(b) != want {
		t.Fatalf("unexpected JSON: %s", b)
	}

	rej := CaptureResult{Accepted: false, Errors: []string{"event 0: missing type"}}
	b, err = json.Marshal(rej)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want = `{"accepted":false,"ingested_count":0,"errors":["event 0: missing type"]}`
	if string(b) != want {
		t.Fatalf("unexpected JSON: %s", b)
	}
}

func TestCaptureRequest_Unmarshal(t *testing.T) {
	var req CaptureRequest
	raw := `{"events":[{"type":"ObjectEvent","epcList":["urn:epc:id:sgtin:1"]},{"type":"AggregationEvent"}]}`
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(req.Events))
	}
	var first map[string]any
	if err := json.Unmarshal(req.Events[0], &first); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if first["type"] != "ObjectEvent" {
		t.Fatalf("unexpected event type: %v", first["type"])
	}
}
