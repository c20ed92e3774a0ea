package chatlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// retentionBatchSize bounds how many events a single retention batch
// (one write transaction) removes. Five *_ref columns are read per row examined for
// the orphan sweep that follows, and SQLite's default bound-parameter
// limit is 999, so batchSize * 5 must stay under that ceiling (§4.5).
const retentionBatchSize = 150

// refChunkSize bounds how many buffer_ref values appear in a single IN
// clause of a retention scan, so that chunk size plus the cutoff and
// limit parameters stay under SQLite's 999 bound-parameter ceiling.
const refChunkSize = 500

const millisPerDay = 24 * 60 * 60 * 1000

// retentionGC is C6: the background job that deletes events older
// than their buffer class's retention window, in bounded batches, then
// hands off to the orphan sweeper (C7) for any payload that just lost
// its last reference.
type retentionGC struct {
	s *Store

	mu      sync.Mutex
	running bool
}

func newRetentionGC(s *Store) *retentionGC {
	return &retentionGC{s: s}
}

// runCycle performs one full retention pass across both buffer classes
// (§4.5). Overlapping ticks are dropped: if a previous cycle is still
// running, runCycle returns immediately without starting a second one.
func (g *retentionGC) runCycle(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	start := g.s.cfg.Clock()
	deleted, err := g.runCycleLocked(ctx)
	g.s.metrics.recordRetentionCycle(deleted, g.s.cfg.Clock().Sub(start), err)
	return err
}

func (g *retentionGC) runCycleLocked(ctx context.Context) (int, error) {
	total := 0

	if g.s.cfg.RetentionDaysChannel > 0 {
		n, err := g.purgeClass(ctx, classChannel, g.s.cfg.RetentionDaysChannel)
		total += n
		if err != nil {
			return total, err
		}
	}
	if g.s.cfg.RetentionDaysPM > 0 {
		n, err := g.purgeClass(ctx, classPM, g.s.cfg.RetentionDaysPM)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// purgeClass deletes events older than retentionDays in every buffer
// of the given class, in batches of retentionBatchSize, sweeping
// orphaned payloads after each non-empty batch. It stops once every
// buffer of the class has been drained of expired events.
//
// retentionDays is converted to a cutoff by literal millisecond
// subtraction rather than calendar arithmetic (AddDate), so the
// boundary doesn't shift by an hour across a DST transition.
func (g *retentionGC) purgeClass(ctx context.Context, class bufferClass, retentionDays int) (int, error) {
	cutoff := g.s.cfg.Clock().UnixMilli() - int64(retentionDays)*millisPerDay
	total := 0

	refs, err := g.classBufferRefs(ctx, class)
	if err != nil {
		return total, err
	}
	if len(refs) == 0 {
		return total, nil
	}

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		n, freed, err := g.deleteBatch(ctx, refs, cutoff)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			// Stops on an empty batch rather than a short one (n <
			// retentionBatchSize): one extra empty scan per class
			// versus §4.5's literal condition, same end state.
			return total, nil
		}

		if len(freed) > 0 {
			if err := sweepOrphans(ctx, g.s, freed); err != nil {
				g.s.log.Error("orphan sweep failed", "error", err)
			}
		}

		// Yield between batches so the single-writer interlock lets
		// ingest make progress (§4.5, §9).
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// classBufferRefs returns the buffer_ref payload ids of every buffer
// currently classified as class. The retention scan filters on this
// set in SQL so each batch is class-homogeneous by construction (§4.5):
// classifying in application code after an unfiltered scan let a class
// with retention disabled sit ahead of the target class by rowid,
// starving it indefinitely.
func (g *retentionGC) classBufferRefs(ctx context.Context, class bufferClass) ([]uint64, error) {
	rows, err := g.s.db.QueryContext(ctx, `SELECT DISTINCT buffer_ref FROM events`)
	if err != nil {
		return nil, fmt.Errorf("chatlog: list buffers: %w", err)
	}
	var all []uint64
	for rows.Next() {
		var ref uint64
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return nil, err
		}
		all = append(all, ref)
	}
	closeErr := rows.Err()
	rows.Close()
	if closeErr != nil {
		return nil, closeErr
	}

	var refs []uint64
	for _, ref := range all {
		buf, err := loadPayloadBytes(g.s.db, ref)
		if err != nil {
			return nil, fmt.Errorf("chatlog: load buffer for classification: %w", err)
		}
		if classifyBuffer(string(buf)) == class {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

type retentionCandidate struct {
	rowid                                              int64
	bufferRef, tagsRef, dataRef, prefixRef, paramsRef  uint64
}

// deleteBatch deletes up to retentionBatchSize events older than
// cutoff among the buffers named by refs, returning the count deleted
// and the set of payload ids referenced by those rows (candidates for
// the orphan sweep). refs is scanned in chunks so the IN clause stays
// within SQLite's bound-parameter ceiling; every chunk's predicate
// already restricts to one class, so a batch can't come back empty
// just because the other class has more expired rows (§4.5). It
// takes the store's writer slot itself, polling via acquireWriter when
// the ingest worker or another retention batch already holds it
// (§4.5, §9).
func (g *retentionGC) deleteBatch(ctx context.Context, refs []uint64, cutoff int64) (int, []uint64, error) {
	release, err := acquireWriter(ctx, g.s)
	if err != nil {
		return 0, nil, err
	}
	defer release()

	tx, err := g.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("chatlog: retention begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var toDelete []retentionCandidate
	for start := 0; start < len(refs) && len(toDelete) < retentionBatchSize; start += refChunkSize {
		end := start + refChunkSize
		if end > len(refs) {
			end = len(refs)
		}
		chunk := refs[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		query := fmt.Sprintf(
			`SELECT rowid, buffer_ref, tags_ref, data_ref, prefix_ref, params_ref FROM events WHERE time < ? AND buffer_ref IN (%s) LIMIT ?`,
			placeholders,
		)
		args := make([]any, 0, len(chunk)+2)
		args = append(args, cutoff)
		for _, ref := range chunk {
			args = append(args, ref)
		}
		args = append(args, retentionBatchSize-len(toDelete))

		rows, err := tx.Query(query, args...)
		if err != nil {
			return 0, nil, fmt.Errorf("chatlog: retention scan: %w", err)
		}
		for rows.Next() {
			var c retentionCandidate
			if err := rows.Scan(&c.rowid, &c.bufferRef, &c.tagsRef, &c.dataRef, &c.prefixRef, &c.paramsRef); err != nil {
				rows.Close()
				return 0, nil, fmt.Errorf("chatlog: retention scan row: %w", err)
			}
			toDelete = append(toDelete, c)
		}
		closeErr := rows.Err()
		rows.Close()
		if closeErr != nil {
			return 0, nil, closeErr
		}
	}

	if len(toDelete) == 0 {
		return 0, nil, tx.Commit()
	}

	freedSet := map[uint64]struct{}{}
	for _, c := range toDelete {
		if _, err := tx.Exec(`DELETE FROM events WHERE rowid = ?`, c.rowid); err != nil {
			return 0, nil, fmt.Errorf("chatlog: retention delete: %w", err)
		}
		freedSet[c.bufferRef] = struct{}{}
		freedSet[c.tagsRef] = struct{}{}
		freedSet[c.dataRef] = struct{}{}
		freedSet[c.prefixRef] = struct{}{}
		freedSet[c.paramsRef] = struct{}{}
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("chatlog: retention commit: %w", err)
	}

	freed := make([]uint64, 0, len(freedSet))
	for id := range freedSet {
		freed = append(freed, id)
	}
	return len(toDelete), freed, nil
}

// acquireWriter takes s.writerMu, the store's single-writer slot (§5,
// §9). SQLite's own locking isn't enough to enforce that discipline: a
// deferred BeginTx succeeds immediately even while another writer is
// mid-transaction, and a cache effect (cache.set, cache.clear) takes no
// database lock at all, so a writer-mutex-free retry here would only
// ever retry the BeginTx call — which never fails — and not the actual
// contention. Polling TryLock instead makes the documented "wait
// 100ms; retry; give up after 5s" behavior real: the GC backs off
// behind the ingest writer (or a concurrent GC batch) rather than
// racing it for the lock.
func acquireWriter(ctx context.Context, s *Store) (release func(), err error) {
	const maxAttempts = 50
	const retryDelay = 100 * time.Millisecond

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if s.writerMu.TryLock() {
			return s.writerMu.Unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("chatlog: acquire writer: timed out after %d attempts", maxAttempts)
}
