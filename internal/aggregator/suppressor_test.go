package aggregator

import (
	"testing"
	"time"

	"github.com/rickgao/energy-pipeline/internal/model"
)

func TestSuppressorClaimOnce(t *testing.T) {
	s := NewSuppressor()
	defer s.Close()

	hour := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	key := model.SuppressionKey{DeviceID: 1, HourStart: hour}

	if !s.Claim(key) {
		t.Fatal("first Claim = false, want true")
	}
	if s.Claim(key) {
		t.Error("second Claim = true, want false")
	}

	other := model.SuppressionKey{DeviceID: 1, HourStart: hour.Add(time.Hour)}
	if !s.Claim(other) {
		t.Error("Claim for next hour = false, want true")
	}

	s.Release(key)
	if !s.Claim(key) {
		t.Error("Claim after Release = false, want true")
	}
}

func TestSuppressorPrunesRelativeToNewestHour(t *testing.T) {
	s := NewSuppressor()
	defer s.Close()

	h0 := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	old := model.SuppressionKey{DeviceID: 1, HourStart: h0}
	s.Claim(old)
	s.Claim(model.SuppressionKey{DeviceID: 1, HourStart: h0.Add(23 * time.Hour)})
	s.Claim(model.SuppressionKey{DeviceID: 2, HourStart: h0})
	if got := s.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	// Device 1 moves past the window; device 2 keeps its hour.
	s.Claim(model.SuppressionKey{DeviceID: 1, HourStart: h0.Add(25 * time.Hour)})
	if got := s.Len(); got != 3 {
		t.Errorf("Len() after prune = %d, want 3", got)
	}
	if s.Claim(old) {
		t.Error("hour behind the retention window was claimed again")
	}
	if s.Claim(model.SuppressionKey{DeviceID: 2, HourStart: h0}) {
		t.Error("device 2 hour was pruned by device 1's progress")
	}
}

func TestSuppressorReplayedBacklogAlertsOnce(t *testing.T) {
	s := NewSuppressor()
	defer s.Close()

	// Two days behind the current hour, interleaved with live samples.
	live := time.Now().UTC().Truncate(time.Hour)
	backlog := model.SuppressionKey{DeviceID: 1, HourStart: live.Add(-48 * time.Hour)}
	current := model.SuppressionKey{DeviceID: 1, HourStart: live}

	var claims int
	for i := 0; i < 5; i++ {
		if s.Claim(backlog) {
			claims++
		}
		s.Claim(current)
	}
	if claims != 1 {
		t.Errorf("backlog hour claimed %d times, want 1", claims)
	}
}

func TestSuppressorClosed(t *testing.T) {
	s := NewSuppressor()
	s.Close()
	s.Close()

	if s.Claim(model.SuppressionKey{DeviceID: 1}) {
		t.Error("Claim on closed suppressor = true, want false")
	}
}
