package chatlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// sweepOrphans is C7: given a set of payload ids that retention just
// stopped referencing, deletes whichever of them have no remaining
// reference from any of the five *_ref columns, in one write
// transaction, then wholesale-invalidates the dedup cache if anything
// was deleted (§4.6, §9). A sweep failure is logged by the caller and
// never fails the retention cycle that triggered it.
//
// The writer lock is held across the delete, the commit, and the
// cache.clear that follows it — not just the transaction. Releasing it
// right after Commit would leave a window where ingest can take a
// cache hit for a payload this sweep just deleted (the cache and the
// database disagree until clear() runs), insert an event referencing
// it, and commit before clear() ever executes: the event's ref would
// then point at a row that no longer exists, and a later intern of the
// same bytes would mint a new, different id, leaving the dangling ref
// permanently unfixable. Holding the lock through clear() makes the
// delete and the cache invalidation atomic with respect to ingest.
func sweepOrphans(ctx context.Context, s *Store, candidates []uint64) error {
	if len(candidates) == 0 {
		return nil
	}

	release, err := acquireWriter(ctx, s)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chatlog: sweep begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	deleted := 0
	for _, id := range candidates {
		referenced, err := payloadStillReferenced(tx, id)
		if err != nil {
			return fmt.Errorf("chatlog: sweep check: %w", err)
		}
		if referenced {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM payloads WHERE id = ?`, id); err != nil {
			return fmt.Errorf("chatlog: sweep delete: %w", err)
		}
		deleted++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("chatlog: sweep commit: %w", err)
	}

	if deleted > 0 {
		s.cache.clear()
		s.log.Info("orphan sweep", "deleted", deleted)
	}
	return nil
}

// payloadStillReferenced reports whether any event still points at id
// through any of the five *_ref columns (§4.6). Each column is probed
// with its own indexed LIMIT 1 scan, unioned, rather than one query
// with an OR across five unindexed-together predicates.
func payloadStillReferenced(db queryRower, id uint64) (bool, error) {
	const query = `
		SELECT 1 FROM (SELECT 1 FROM events WHERE buffer_ref = ? LIMIT 1)
		UNION ALL
		SELECT 1 FROM (SELECT 1 FROM events WHERE tags_ref = ? LIMIT 1)
		UNION ALL
		SELECT 1 FROM (SELECT 1 FROM events WHERE data_ref = ? LIMIT 1)
		UNION ALL
		SELECT 1 FROM (SELECT 1 FROM events WHERE prefix_ref = ? LIMIT 1)
		UNION ALL
		SELECT 1 FROM (SELECT 1 FROM events WHERE params_ref = ? LIMIT 1)
		LIMIT 1`

	var one int
	err := db.QueryRow(query, id, id, id, id, id).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, err
}
