package sms

import (
	"strings"
	"testing"
	"time"
)

func float64Ptr(v float64) *float64 { return &v }

func TestBuildLateAlertWithEverything(t *testing.T) {
	now := time.Date(2025, time.June, 3, 23, 30, 0, 0, time.UTC)
	msg := BuildLateAlert(TemplateParams{
		FirstName:  "Emma",
		Deadline:   now.Add(-150 * time.Minute),
		Latitude:   float64Ptr(48.8566),
		Longitude:  float64Ptr(2.3522),
		UserPhone:  "+33612345678",
		SharePhone: true,
		Now:        now,
	})

	if !strings.Contains(msg, "pas de confirmation depuis 2h30") {
		t.Fatalf("expected overdue duration 2h30 in %q", msg)
	}
	if !strings.Contains(msg, "Essayez de contacter Emma") {
		t.Fatalf("expected first name in %q", msg)
	}
	if !strings.Contains(msg, "au +33612345678") {
		t.Fatalf("expected shared phone in %q", msg)
	}
	if !strings.Contains(msg, "https://maps.google.com/?q=48.8566,2.3522") {
		t.Fatalf("expected maps link in %q", msg)
	}
}

func TestBuildLateAlertDegradesWithoutOptionalData(t *testing.T) {
	now := time.Date(2025, time.June, 3, 23, 30, 0, 0, time.UTC)
	msg := BuildLateAlert(TemplateParams{
		Deadline: now.Add(-45 * time.Minute),
		Now:      now,
	})

	if !strings.Contains(msg, "contacter la personne immédiatement.") {
		t.Fatalf("expected neutral fallback in %q", msg)
	}
	if !strings.Contains(msg, "depuis 45min") {
		t.Fatalf("expected minutes-only duration in %q", msg)
	}
	if strings.Contains(msg, "maps.google.com") {
		t.Fatalf("did not expect a maps link in %q", msg)
	}
}

func TestBuildLateAlertUnknownDeadline(t *testing.T) {
	msg := BuildLateAlert(TemplateParams{FirstName: "Emma"})
	if !strings.Contains(msg, "depuis quelques heures") {
		t.Fatalf("expected fallback duration in %q", msg)
	}
}

func TestBuildSOSAlert(t *testing.T) {
	msg := BuildSOSAlert(TemplateParams{FirstName: "Paul"})
	if !strings.HasPrefix(msg, "SafeWalk SOS : Paul a déclenché une alerte urgente.") {
		t.Fatalf("unexpected sos message %q", msg)
	}

	anon := BuildSOSAlert(TemplateParams{})
	if !strings.Contains(anon, "une alerte urgente a été déclenchée") {
		t.Fatalf("unexpected anonymous sos message %q", anon)
	}
}

func TestBuildTestMessage(t *testing.T) {
	msg := BuildTestMessage(TemplateParams{FirstName: "Emma"})
	if !strings.Contains(msg, "si Emma ne confirme pas son arrivée") {
		t.Fatalf("unexpected test message %q", msg)
	}
}

func TestUnverifiableUserPhoneIsDropped(t *testing.T) {
	msg := BuildLateAlert(TemplateParams{
		UserPhone:  "0612345678",
		SharePhone: true,
	})
	if strings.Contains(msg, "0612345678") {
		t.Fatalf("invalid phone should not leak into %q", msg)
	}
}
