package models_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/conclave-ai/conclave/pkg/models"
)

func TestNewEventClampsMessage(t *testing.T) {
	long := strings.Repeat("x", models.MaxEventMessageLen+100)
	ev := models.NewEvent(models.EventLog, models.SeverityInfo, long, nil)
	if len(ev.Message) != models.MaxEventMessageLen {
		t.Fatalf("message length = %d, want %d", len(ev.Message), models.MaxEventMessageLen)
	}

	short := "fits"
	if ev := models.NewEvent(models.EventLog, models.SeverityInfo, short, nil); ev.Message != short {
		t.Fatalf("short message altered: %q", ev.Message)
	}
}

func TestNewEventClampKeepsValidUTF8(t *testing.T) {
	// Three-byte runes never divide the limit evenly, so a naive byte
	// slice would split one at the boundary.
	long := strings.Repeat("日", models.MaxEventMessageLen)
	ev := models.NewEvent(models.EventLog, models.SeverityInfo, long, nil)

	if len(ev.Message) > models.MaxEventMessageLen {
		t.Fatalf("message length = %d, exceeds %d", len(ev.Message), models.MaxEventMessageLen)
	}
	if !utf8.ValidString(ev.Message) {
		t.Fatal("clamped message is not valid UTF-8")
	}
	if !strings.HasPrefix(long, ev.Message) {
		t.Fatal("clamped message is not a prefix of the original")
	}
}
