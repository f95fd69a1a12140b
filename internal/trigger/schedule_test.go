package trigger

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeWrapsPlainCron(t *testing.T) {
	normalized, err := Normalize("*/5 * * * *")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	var s Schedule
	if err := json.Unmarshal([]byte(normalized), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Kind != "cron" || s.CronExpr != "*/5 * * * *" {
		t.Errorf("normalized = %+v", s)
	}
}

func TestNormalizePassesThroughValidJSON(t *testing.T) {
	raw := `{"kind":"interval","interval_ms":60000}`
	normalized, err := Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if normalized != raw {
		t.Errorf("normalized = %q, want pass-through", normalized)
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	cases := []string{
		"not a cron",
		`{"kind":"cron","cron_expr":"who knows"}`,
		`{"kind":"interval","interval_ms":0}`,
		`{"kind":"once","at_ms":-1}`,
		`{"kind":"quantum"}`,
	}
	for _, raw := range cases {
		if _, err := Normalize(raw); err == nil {
			t.Errorf("Normalize(%q) accepted invalid schedule", raw)
		}
	}
}

func TestNextRunCron(t *testing.T) {
	next := NextRun(`{"kind":"cron","cron_expr":"* * * * *"}`)
	if next == nil {
		t.Fatal("expected a next run for an every-minute cron")
	}
	if !next.After(time.Now()) {
		t.Errorf("next run %v is not in the future", next)
	}
}

func TestNextRunInterval(t *testing.T) {
	before := time.Now()
	next := NextRun(`{"kind":"interval","interval_ms":60000}`)
	if next == nil {
		t.Fatal("expected a next run")
	}
	if next.Before(before.Add(59 * time.Second)) {
		t.Errorf("next run %v is too soon", next)
	}
}

func TestNextRunOnceInPastIsNil(t *testing.T) {
	past := time.Now().Add(-time.Hour).UnixMilli()
	raw, _ := json.Marshal(Schedule{Kind: "once", AtMs: past})
	if next := NextRun(string(raw)); next != nil {
		t.Errorf("expired one-off schedule must not fire again, got %v", next)
	}
}

func TestNextRunGarbageIsNil(t *testing.T) {
	if next := NextRun("][garbage"); next != nil {
		t.Errorf("expected nil for garbage schedule, got %v", next)
	}
}
