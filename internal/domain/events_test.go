package domain

import (
	"testing"
	"time"
)

func TestEvent_GetString(t *testing.T) {
	tests := []struct {
		name      string
		data      map[string]interface{}
		key       string
		wantValue string
		wantOk    bool
	}{
		{"existing string key", map[string]interface{}{"file_path": "/zones/example.com"}, "file_path", "/zones/example.com", true},
		{"missing key", map[string]interface{}{"other": "value"}, "file_path", "", false},
		{"nil data", nil, "file_path", "", false},
		{"wrong type", map[string]interface{}{"count": 123}, "count", "", false},
		{"empty string", map[string]interface{}{"empty": ""}, "empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Event{Data: tt.data}
			got, ok := e.GetString(tt.key)
			if got != tt.wantValue || ok != tt.wantOk {
				t.Errorf("GetString(%q) = (%q, %v), want (%q, %v)", tt.key, got, ok, tt.wantValue, tt.wantOk)
			}
		})
	}
}

func TestEvent_GetInt64_HandlesFloat64FromJSON(t *testing.T) {
	e := &Event{Data: map[string]interface{}{"count": float64(42)}}
	got, ok := e.GetInt64("count")
	if !ok || got != 42 {
		t.Errorf("GetInt64 = (%d, %v), want (42, true)", got, ok)
	}
}

func TestEvent_GetBoolOr(t *testing.T) {
	e := &Event{Data: map[string]interface{}{"flag": true}}
	if !e.GetBoolOr("flag", false) {
		t.Error("expected true")
	}
	if e.GetBoolOr("missing", false) {
		t.Error("expected default false")
	}
}

func TestEvent_GetStringSlice_FromJSONInterfaceSlice(t *testing.T) {
	e := &Event{Data: map[string]interface{}{"tags": []interface{}{"a", "b", 1}}}
	got, ok := e.GetStringSlice("tags")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v, want [a b]", got)
	}
}

func TestEvent_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if (&Event{ExpiresAt: &past}).Expired(now) != true {
		t.Error("expected expired")
	}
	if (&Event{ExpiresAt: &future}).Expired(now) != false {
		t.Error("expected not expired")
	}
	if (&Event{}).Expired(now) != false {
		t.Error("no expiry never expires")
	}
}

func TestGetCategory_IsTotalAndStable(t *testing.T) {
	cases := map[EventType]Category{
		EventHealthUpdate:     CategoryHealth,
		EventDNSZoneCreated:   CategoryDNS,
		EventSecurityAlert:    CategorySecurity,
		EventUserLogin:        CategoryUser,
		EventUserCreated:      CategoryAudit,
		EventServiceStopped:   CategorySystem,
		EventErrorOccurred:    CategoryError,
		EventType("unmapped"): CategoryCustom,
	}
	for typ, want := range cases {
		if got := GetCategory(typ); got != want {
			t.Errorf("GetCategory(%s) = %s, want %s", typ, got, want)
		}
	}
}

func TestIsCritical(t *testing.T) {
	if !IsCritical(EventSecurityAlert) {
		t.Error("security_alert should be critical")
	}
	if IsCritical(EventHealthUpdate) {
		t.Error("health_update should not be critical")
	}
}

func TestIsAdminOnly(t *testing.T) {
	if !IsAdminOnly(EventUserCreated) {
		t.Error("user_created should be admin-only")
	}
	if IsAdminOnly(EventDNSZoneCreated) {
		t.Error("dns_zone_created should not be admin-only")
	}
}

func TestEvent_ResolvePath_DataThenMetadataCustomFields(t *testing.T) {
	e := &Event{
		Data: map[string]interface{}{"queries_per_second": float64(1500)},
		Metadata: Metadata{
			CustomFields: map[string]interface{}{"region": "us-east"},
		},
	}
	if v, ok := e.resolvePath("data.queries_per_second"); !ok || v != float64(1500) {
		t.Errorf("resolvePath(data.queries_per_second) = (%v, %v)", v, ok)
	}
	if v, ok := e.resolvePath("queries_per_second"); !ok || v != float64(1500) {
		t.Errorf("bare path into data failed: (%v, %v)", v, ok)
	}
	if v, ok := e.resolvePath("region"); !ok || v != "us-east" {
		t.Errorf("bare path fallback into metadata.custom_fields failed: (%v, %v)", v, ok)
	}
	if _, ok := e.resolvePath("nope"); ok {
		t.Error("expected not found")
	}
}
