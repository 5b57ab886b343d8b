package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/941design/slim-chat/internal/domain"
)

func TestUpsertProfileRecord_LatestWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, applied, err := UpsertProfileRecord(ctx, db, "owner", domain.SourcePrivateReceived, []byte(`{"name":"old"}`), "e1", 100, true)
	if err != nil || !applied {
		t.Fatalf("first upsert: applied=%v err=%v", applied, err)
	}
	second, applied, err := UpsertProfileRecord(ctx, db, "owner", domain.SourcePrivateReceived, []byte(`{"name":"new"}`), "e2", 200, true)
	if err != nil || !applied {
		t.Fatalf("second upsert: applied=%v err=%v", applied, err)
	}
	if first.ID != second.ID {
		t.Fatalf("upsert must keep the row id")
	}
	if string(second.Content) != `{"name":"new"}` || second.EventCreatedAt != 200 {
		t.Fatalf("returned record = %s @%d", second.Content, second.EventCreatedAt)
	}

	var n int64
	db.Model(&domain.ProfileRecord{}).Where("owner_pubkey = ? AND source = ?", "owner", domain.SourcePrivateReceived).Count(&n)
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
	got, _ := GetProfileRecord(ctx, db, "owner", domain.SourcePrivateReceived)
	if string(got.Content) != `{"name":"new"}` || got.EventID != "e2" {
		t.Fatalf("record = %s / %s", got.Content, got.EventID)
	}

	// Other sources are independent rows.
	if _, _, err := UpsertProfileRecord(ctx, db, "owner", domain.SourcePublicDiscovered, []byte(`{"name":"pub"}`), "e3", 50, true); err != nil {
		t.Fatalf("public upsert: %v", err)
	}
	all, _ := ListProfileRecords(ctx, db, "owner")
	if len(all) != 2 {
		t.Fatalf("records = %d, want 2", len(all))
	}
}

func TestUpsertProfileRecord_OlderEventKeepsNewer(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, _, err := UpsertProfileRecord(ctx, db, "owner", domain.SourcePrivateReceived, []byte(`{"name":"new"}`), "e2", 200, true); err != nil {
		t.Fatalf("newer upsert: %v", err)
	}
	rec, applied, err := UpsertProfileRecord(ctx, db, "owner", domain.SourcePrivateReceived, []byte(`{"name":"old"}`), "e1", 100, false)
	if err != nil {
		t.Fatalf("older upsert: %v", err)
	}
	if applied {
		t.Fatalf("older event replaced a newer one")
	}
	if string(rec.Content) != `{"name":"new"}` || rec.EventID != "e2" || !rec.ValidSignature {
		t.Fatalf("returned record = %s / %s", rec.Content, rec.EventID)
	}
	got, _ := GetProfileRecord(ctx, db, "owner", domain.SourcePrivateReceived)
	if string(got.Content) != `{"name":"new"}` || got.EventCreatedAt != 200 {
		t.Fatalf("stored record = %s @%d", got.Content, got.EventCreatedAt)
	}

	// Same second replaces.
	if _, applied, _ := UpsertProfileRecord(ctx, db, "owner", domain.SourcePrivateReceived, []byte(`{"name":"tie"}`), "e3", 200, true); !applied {
		t.Fatalf("equal timestamp was not applied")
	}
}

func TestSendState_FailureKeepsLastSuccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := GetSendState(ctx, db, "me", "peer"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := RecordSendSuccess(ctx, db, "me", "peer", "h1", "ev1", t1); err != nil {
		t.Fatalf("RecordSendSuccess: %v", err)
	}
	if err := RecordSendFailure(ctx, db, "me", "peer", "timeout", t1.Add(time.Minute)); err != nil {
		t.Fatalf("RecordSendFailure: %v", err)
	}
	st, _ := GetSendState(ctx, db, "me", "peer")
	if st.LastSentHash != "h1" || st.LastSentEventID != "ev1" || st.LastSuccessAt == nil || !st.LastSuccessAt.Equal(t1) {
		t.Fatalf("failure disturbed success record: %+v", st)
	}
	if st.LastError != "timeout" || !st.LastAttemptAt.Equal(t1.Add(time.Minute)) {
		t.Fatalf("failure not recorded: %+v", st)
	}

	if err := RecordSendSuccess(ctx, db, "me", "peer", "h2", "ev2", t1.Add(2*time.Minute)); err != nil {
		t.Fatalf("second success: %v", err)
	}
	st, _ = GetSendState(ctx, db, "me", "peer")
	if st.LastError != "" || st.LastSentHash != "h2" {
		t.Fatalf("success must clear the error: %+v", st)
	}

	// A failure before any success creates a row without a hash.
	_ = RecordSendFailure(ctx, db, "me", "other", "boom", t1)
	st, _ = GetSendState(ctx, db, "me", "other")
	if st.LastSentHash != "" || st.LastSuccessAt != nil {
		t.Fatalf("unexpected success fields: %+v", st)
	}
}

func TestSavePresence_Conservative(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Failed first check: nothing is claimed.
	_ = SavePresence(ctx, db, "pk", true, false, "", now)
	p, err := GetPresence(ctx, db, "pk")
	if err != nil {
		t.Fatalf("GetPresence: %v", err)
	}
	if p.Exists || p.LastCheckSuccess || p.HasProfile() {
		t.Fatalf("failed check must not claim existence: %+v", p)
	}

	_ = SavePresence(ctx, db, "pk", true, true, "ev", now.Add(time.Second))
	p, _ = GetPresence(ctx, db, "pk")
	if !p.HasProfile() || p.LastSeenEventID != "ev" {
		t.Fatalf("successful check not recorded: %+v", p)
	}

	// A later failure hides the indicator but keeps what was last seen.
	_ = SavePresence(ctx, db, "pk", false, false, "", now.Add(2*time.Second))
	p, _ = GetPresence(ctx, db, "pk")
	if p.HasProfile() || !p.Exists || p.LastSeenEventID != "ev" {
		t.Fatalf("failed check handling: %+v", p)
	}

	_ = SavePresence(ctx, db, "pk", false, true, "", now.Add(3*time.Second))
	p, _ = GetPresence(ctx, db, "pk")
	if p.Exists || !p.LastCheckSuccess {
		t.Fatalf("successful empty check should clear existence: %+v", p)
	}
}
