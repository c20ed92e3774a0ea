package chatlog

import (
	"context"
	"testing"
)

func TestSweepOrphans_DeletesUnreferencedPayload(t *testing.T) {
	db := newTestDB(t)
	pool := newPayloadPool(newDedupCache(defaultCacheMaxBytes))

	orphanID, err := pool.intern(db, []byte("nobody points at me"))
	if err != nil {
		t.Fatalf("intern: %v", err)
	}

	s := &Store{db: db, cache: newDedupCache(defaultCacheMaxBytes), log: testLogger()}

	if err := sweepOrphans(context.Background(), s, []uint64{orphanID}); err != nil {
		t.Fatalf("sweepOrphans: %v", err)
	}

	if _, err := loadPayloadBytes(db, orphanID); err == nil {
		t.Fatal("expected orphaned payload to have been deleted")
	}
}

func TestSweepOrphans_KeepsReferencedPayload(t *testing.T) {
	db := newTestDB(t)
	pool := newPayloadPool(newDedupCache(defaultCacheMaxBytes))

	referencedID, err := pool.intern(db, []byte("#general"))
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	dummyID, err := pool.intern(db, []byte("dummy"))
	if err != nil {
		t.Fatalf("intern: %v", err)
	}

	if _, err := db.Exec(
		`INSERT INTO events (user_id, network_id, buffer_ref, time, kind, msgid, tags_ref, data_ref, prefix_ref, params_ref)
		 VALUES (1, 1, ?, 0, 1, '', ?, ?, ?, ?)`,
		referencedID, dummyID, dummyID, dummyID, dummyID,
	); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	s := &Store{db: db, cache: newDedupCache(defaultCacheMaxBytes), log: testLogger()}

	if err := sweepOrphans(context.Background(), s, []uint64{referencedID}); err != nil {
		t.Fatalf("sweepOrphans: %v", err)
	}

	if _, err := loadPayloadBytes(db, referencedID); err != nil {
		t.Fatalf("expected referenced payload to survive, got: %v", err)
	}
}

func TestSweepOrphans_ClearsCacheOnDeletion(t *testing.T) {
	db := newTestDB(t)
	cache := newDedupCache(defaultCacheMaxBytes)
	pool := newPayloadPool(cache)

	orphanID, err := pool.intern(db, []byte("transient"))
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	if cache.len() == 0 {
		t.Fatal("expected cache to be populated after intern")
	}

	s := &Store{db: db, cache: cache, log: testLogger()}
	if err := sweepOrphans(context.Background(), s, []uint64{orphanID}); err != nil {
		t.Fatalf("sweepOrphans: %v", err)
	}

	if cache.len() != 0 {
		t.Fatalf("got cache len %d after sweep, want 0 (wholesale invalidation)", cache.len())
	}
}

func TestSweepOrphans_ReinternAfterSweepAssignsFreshID(t *testing.T) {
	db := newTestDB(t)
	cache := newDedupCache(defaultCacheMaxBytes)
	pool := newPayloadPool(cache)

	originalID, err := pool.intern(db, []byte("X"))
	if err != nil {
		t.Fatalf("intern: %v", err)
	}

	s := &Store{db: db, cache: cache, log: testLogger()}
	if err := sweepOrphans(context.Background(), s, []uint64{originalID}); err != nil {
		t.Fatalf("sweepOrphans: %v", err)
	}

	newID, err := pool.intern(db, []byte("X"))
	if err != nil {
		t.Fatalf("intern after sweep: %v", err)
	}
	if newID == originalID {
		t.Error("expected a fresh id after sweep deleted the original row")
	}
	if got, err := loadPayloadBytes(db, newID); err != nil || string(got) != "X" {
		t.Errorf("loadPayloadBytes(newID) = %q, %v", got, err)
	}
}
