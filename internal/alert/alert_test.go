package alert

import (
	"path/filepath"
	"testing"
	"time"
)

func TestManager_SetAndDeleteAlert(t *testing.T) {
	m, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.SetAlert("tok1", Timer, time.Now().Add(time.Minute), time.Second); err != nil {
		t.Fatalf("SetAlert: %v", err)
	}
	if len(m.ActiveSlots()) != 1 {
		t.Fatalf("ActiveSlots = %d, want 1", len(m.ActiveSlots()))
	}
	if err := m.DeleteAlert("tok1"); err != nil {
		t.Fatalf("DeleteAlert: %v", err)
	}
	if len(m.ActiveSlots()) != 0 {
		t.Fatalf("ActiveSlots after delete = %d, want 0", len(m.ActiveSlots()))
	}
}

func TestManager_DeleteAllAlerts(t *testing.T) {
	m, _ := New(Config{})
	m.SetAlert("a", Alarm, time.Now(), 0)
	m.SetAlert("b", Reminder, time.Now(), 0)
	if err := m.DeleteAllAlerts(); err != nil {
		t.Fatalf("DeleteAllAlerts: %v", err)
	}
	if len(m.ActiveSlots()) != 0 {
		t.Fatalf("ActiveSlots after DeleteAllAlerts = %d, want 0", len(m.ActiveSlots()))
	}
}

func TestManager_ActiveSlotsPrunesExpired(t *testing.T) {
	m, _ := New(Config{})
	m.SetAlert("old", Timer, time.Now().Add(-2*ExpirationDuration), time.Second)
	m.SetAlert("fresh", Timer, time.Now(), time.Second)
	active := m.ActiveSlots()
	if len(active) != 1 || active[0].Token != "fresh" {
		t.Fatalf("ActiveSlots = %+v, want only fresh", active)
	}
}

func TestManager_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	m1, err := New(Config{PersistPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m1.SetAlert("tok", Alarm, time.Now().Add(time.Hour), 0); err != nil {
		t.Fatalf("SetAlert: %v", err)
	}

	m2, err := New(Config{PersistPath: path})
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	active := m2.ActiveSlots()
	if len(active) != 1 || active[0].Token != "tok" {
		t.Fatalf("reloaded slots = %+v, want one slot 'tok'", active)
	}
}

func TestManager_StartOfflineAlert_RequiresSpeakerAvailable(t *testing.T) {
	started := false
	m, _ := New(Config{
		SpeakerCanStream:  func() bool { return false },
		StartOfflineAlert: func(Slot, int) bool { started = true; return true },
	})
	m.SetAlert("due", Timer, time.Now().Add(-time.Second), time.Second)

	if m.StartOfflineAlert(50) {
		t.Fatal("StartOfflineAlert succeeded while speaker unavailable")
	}
	if started {
		t.Fatal("start callback invoked while speaker unavailable")
	}
}

func TestManager_StartOfflineAlert_FiresForDueSlot(t *testing.T) {
	var gotSlot Slot
	m, _ := New(Config{
		SpeakerCanStream:  func() bool { return true },
		StartOfflineAlert: func(s Slot, _ int) bool { gotSlot = s; return true },
	})
	m.SetAlert("due", Alarm, time.Now().Add(-time.Second), time.Second)

	if !m.StartOfflineAlert(50) {
		t.Fatal("StartOfflineAlert did not fire for a due slot")
	}
	if gotSlot.Token != "due" {
		t.Errorf("started slot = %q, want %q", gotSlot.Token, "due")
	}
	if !m.OfflineAlertActive() {
		t.Error("OfflineAlertActive() = false after successful start")
	}

	m.StopOfflineAlert()
	if m.OfflineAlertActive() {
		t.Error("OfflineAlertActive() = true after StopOfflineAlert")
	}
}

func TestManager_StartOfflineAlert_SkipsWhenAlreadyActive(t *testing.T) {
	calls := 0
	m, _ := New(Config{
		SpeakerCanStream:  func() bool { return true },
		StartOfflineAlert: func(Slot, int) bool { calls++; return true },
	})
	m.SetAlert("due", Timer, time.Now().Add(-time.Second), time.Second)

	if !m.StartOfflineAlert(50) {
		t.Fatal("first StartOfflineAlert should succeed")
	}
	if m.StartOfflineAlert(50) {
		t.Fatal("second StartOfflineAlert should be suppressed while active")
	}
	if calls != 1 {
		t.Errorf("start callback invoked %d times, want 1", calls)
	}
}
