package store

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/RefillPipe/internal/models"
)

func sampleSession(id string) *models.Session {
	sess := models.NewSession(id, "patient-001")
	sess.State = models.StateConfirmDosage
	sess.Slots.Medication = &models.MedicationSlot{Name: "lisinopril", Strength: "10 mg"}
	sess.AppendHistory(models.SpeakerUser, "refill my lisinopril")
	return sess
}

func TestInMemoryStoreRoundTrip(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	if err := st.SaveSession(ctx, sampleSession("sess-1")); err != nil {
		t.Fatalf("SaveSession returned error: %v", err)
	}

	got, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if got == nil {
		t.Fatalf("GetSession returned nil for a saved session")
	}
	if got.State != models.StateConfirmDosage {
		t.Errorf("state = %s, want %s", got.State, models.StateConfirmDosage)
	}
	if got.Slots.Medication == nil || got.Slots.Medication.Name != "lisinopril" {
		t.Errorf("medication slot lost: %+v", got.Slots.Medication)
	}
	if len(got.History) != 1 {
		t.Errorf("history length = %d, want 1", len(got.History))
	}
}

func TestInMemoryStoreMissingSession(t *testing.T) {
	st := NewInMemoryStore()
	got, err := st.GetSession(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if got != nil {
		t.Fatalf("GetSession returned %+v for a missing session, want nil", got)
	}
}

func TestInMemoryStoreReturnsCopies(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	orig := sampleSession("sess-1")
	if err := st.SaveSession(ctx, orig); err != nil {
		t.Fatalf("SaveSession returned error: %v", err)
	}

	// Mutating the original and a fetched copy must not leak into the store.
	orig.Slots.Medication.Name = "mutated"
	fetched, _ := st.GetSession(ctx, "sess-1")
	fetched.State = models.StateError

	stored, _ := st.GetSession(ctx, "sess-1")
	if stored.Slots.Medication.Name != "lisinopril" {
		t.Errorf("store observed caller mutation of the saved session")
	}
	if stored.State != models.StateConfirmDosage {
		t.Errorf("store observed caller mutation of a fetched session")
	}
}

func TestInMemoryStoreDelete(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	if err := st.SaveSession(ctx, sampleSession("sess-1")); err != nil {
		t.Fatalf("SaveSession returned error: %v", err)
	}
	if err := st.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession returned error: %v", err)
	}
	got, _ := st.GetSession(ctx, "sess-1")
	if got != nil {
		t.Fatalf("session survived deletion")
	}
	// Deleting an absent session is not an error.
	if err := st.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession of missing session returned error: %v", err)
	}
}

func TestInMemoryStoreIdleSessionIDs(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	stale := sampleSession("stale")
	stale.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	fresh := sampleSession("fresh")
	fresh.UpdatedAt = time.Now().UTC()

	for _, s := range []*models.Session{stale, fresh} {
		if err := st.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession returned error: %v", err)
		}
	}

	ids, err := st.IdleSessionIDs(ctx, time.Now().UTC().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("IdleSessionIDs returned error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Errorf("IdleSessionIDs = %v, want [stale]", ids)
	}
}
