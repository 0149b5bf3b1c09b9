package domain

import (
	"testing"
	"time"
)

func TestCriticalNotification_Acknowledge_Idempotent(t *testing.T) {
	n := &CriticalNotification{}
	now := time.Now()

	if !n.Acknowledge(now, "alice") {
		t.Error("first ack should succeed")
	}
	if n.AcknowledgedBy != "alice" {
		t.Errorf("acknowledged_by = %q, want alice", n.AcknowledgedBy)
	}

	second := now.Add(time.Minute)
	if n.Acknowledge(second, "bob") {
		t.Error("second ack should be a no-op")
	}
	if n.AcknowledgedBy != "alice" {
		t.Error("second ack should not overwrite acknowledged_by")
	}
}

func TestCriticalNotification_DueForEscalation(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := &CriticalNotification{
		FirstSentAt:     &t0,
		EscalationLevel: EscalationL1,
		EscalationCount: 1,
	}
	timeout := 300 * time.Second

	if n.DueForEscalation(t0.Add(299*time.Second), timeout, EscalationL3) {
		t.Error("should not be due before the deadline")
	}
	if !n.DueForEscalation(t0.Add(600*time.Second), timeout, EscalationL3) {
		t.Error("should be due at 2x timeout for the 2nd escalation")
	}
}

func TestCriticalNotification_AcknowledgedFreezesEscalation(t *testing.T) {
	t0 := time.Now().Add(-time.Hour)
	ack := time.Now()
	n := &CriticalNotification{
		FirstSentAt:     &t0,
		EscalationLevel: EscalationL2,
		AcknowledgedAt:  &ack,
	}
	if n.DueForEscalation(time.Now(), time.Second, EscalationL4) {
		t.Error("acknowledged notification must never be due for escalation again")
	}
}

func TestNextEscalationLevel(t *testing.T) {
	seq := []EscalationLevel{EscalationNone, EscalationL1, EscalationL2, EscalationL3, EscalationL4}
	for i := 0; i < len(seq)-1; i++ {
		if got := NextEscalationLevel(seq[i]); got != seq[i+1] {
			t.Errorf("NextEscalationLevel(%s) = %s, want %s", seq[i], got, seq[i+1])
		}
	}
	if NextEscalationLevel(EscalationL4) != EscalationL4 {
		t.Error("L4 should be terminal")
	}
}

func TestValidateReplayRequest(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := ValidateReplayRequest(start, start.Add(time.Hour), 2); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
	if err := ValidateReplayRequest(start, start, 2); err == nil {
		t.Error("end == start should be rejected")
	}
	if err := ValidateReplayRequest(start, start.Add(8*24*time.Hour), 2); err == nil {
		t.Error("range > 7d should be rejected")
	}
	if err := ValidateReplayRequest(start, start.Add(time.Hour), 0); err == nil {
		t.Error("speed 0 should be rejected")
	}
	if err := ValidateReplayRequest(start, start.Add(time.Hour), 11); err == nil {
		t.Error("speed 11 should be rejected")
	}
}
