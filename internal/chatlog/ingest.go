package chatlog

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// ingestRequest is one queued Store call.
type ingestRequest struct {
	msg    InboundMessage
	ups    UpstreamContext
	client ClientContext
}

// ingestQueue is C4: a FIFO queue drained by a single worker, so that at
// most one ingest write transaction runs at a time (§4.3, §5). The
// queue is unbounded by design — the upstream IRC socket is the natural
// rate limiter (§9) — so it is backed by a growable slice under a
// mutex rather than a fixed-capacity channel, which would either block
// Store() or force a drop, both forbidden by §7/§9.
type ingestQueue struct {
	s *Store

	mu     sync.Mutex
	items  []ingestRequest
	closed bool
	wake   chan struct{}
}

func newIngestQueue(s *Store) *ingestQueue {
	return &ingestQueue{s: s, wake: make(chan struct{}, 1)}
}

// push enqueues r. It never blocks and never drops.
func (q *ingestQueue) push(r ingestRequest) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run drains the queue until ctx is cancelled, yielding to the
// scheduler between events (§4.3, §5).
func (q *ingestQueue) run(ctx context.Context) {
	for {
		item, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		q.s.processIngest(item)
		runtime.Gosched()
	}
}

func (q *ingestQueue) pop() (ingestRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ingestRequest{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *ingestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain marks the queue closed to new pushes and blocks until the
// worker has dequeued everything already enqueued. The last event may
// still be in the worker's hands when drain returns; Shutdown waits for
// the worker goroutine to finish it (§5: "Ingest queue is drained to
// completion").
func (q *ingestQueue) drain() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	for q.len() > 0 {
		time.Sleep(time.Millisecond)
	}
}

// Store enqueues message for persistence and returns immediately (§6).
// Storage is best-effort: malformed input and filtered CTCP messages
// are dropped silently, and any database error is logged and dropped;
// none is surfaced to the caller (§7).
func (s *Store) Store(msg InboundMessage, ups UpstreamContext, client ClientContext) {
	if s.closed.Load() {
		return
	}
	s.ingest.push(ingestRequest{msg: msg, ups: ups, client: client})
}

// deriveEvent applies §4.3's qualification rules and field derivation.
// ok is false when the message should be silently dropped.
func deriveEvent(r ingestRequest, now func() time.Time) (Event, bool) {
	kind, ok := kindFromCommand(r.msg.Command)
	if !ok {
		return Event{}, false
	}

	target := r.msg.target()
	if target == "" {
		return Event{}, false // malformed: missing target (§7)
	}
	data := r.msg.data()

	if isCTCP(data) && !isCTCPAction(data) {
		return Event{}, false // CTCP non-ACTION dropped by design (§4.3, §7)
	}

	buffer := resolveBuffer(target, r.client.Outgoing, r.msg.SourceNick)
	prefix := resolvePrefix(r.client.Outgoing, r.client.Nick, r.msg.SourceNick)

	ev := Event{
		UserID:    r.ups.UserID,
		NetworkID: r.ups.NetworkID,
		Buffer:    buffer,
		Time:      r.msg.resolvedTime(now),
		Kind:      kind,
		Msgid:     r.msg.msgidTag(),
		Tags:      r.msg.Tags,
		Params:    r.msg.paramsVector(),
		Data:      data,
		Prefix:    prefix,
	}
	return ev, true
}

// processIngest persists one Event: all five intern calls and the
// events insert run inside a single tracked write transaction (§4.3's
// transactionality requirement; §9's writer-interlock note forbids any
// ad-hoc BEGIN/COMMIT that would escape the engine's own tracking).
func (s *Store) processIngest(r ingestRequest) {
	start := s.cfg.Clock()
	defer func() {
		s.metrics.observeStore(s.cfg.Clock().Sub(start))
	}()

	ev, ok := deriveEvent(r, s.cfg.Clock)
	if !ok {
		return
	}

	// Holds the writer lock across the whole cache-lookup/insert/commit/
	// cache-populate sequence, not just the transaction (§5, §9): a
	// retention sweep's delete-commit-cache.clear runs under the same
	// lock, so a cache hit taken here can never be for a payload a
	// concurrent sweep is in the middle of deleting. Ingest is the
	// primary writer and blocks for the lock rather than retrying —
	// only the GC backs off.
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	// Not bound to runCtx: Shutdown cancels runCtx once the queue is
	// empty, and that must not roll back the event still in hand.
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		s.log.Error("ingest: begin transaction", "error", err)
		return
	}
	defer tx.Rollback() //nolint:errcheck

	// intern's cache.set is deferred to commitPending below: caching a
	// row from this transaction before it commits would let a later
	// rollback (any intern or the insert itself failing) leave a stale
	// id in the cache for a payload that was never actually written.
	bufferID, bufferPending, err := s.pool.internTx(tx, []byte(ev.Buffer))
	if err != nil {
		s.log.Error("ingest: intern buffer", "error", err)
		return
	}
	tagsID, tagsPending, err := s.pool.internTx(tx, canonicalTags(ev.Tags))
	if err != nil {
		s.log.Error("ingest: intern tags", "error", err)
		return
	}
	dataID, dataPending, err := s.pool.internTx(tx, []byte(ev.Data))
	if err != nil {
		s.log.Error("ingest: intern data", "error", err)
		return
	}
	prefixID, prefixPending, err := s.pool.internTx(tx, []byte(ev.Prefix))
	if err != nil {
		s.log.Error("ingest: intern prefix", "error", err)
		return
	}
	paramsID, paramsPending, err := s.pool.internTx(tx, []byte(ev.Params))
	if err != nil {
		s.log.Error("ingest: intern params", "error", err)
		return
	}

	_, err = tx.Exec(`
		INSERT INTO events (user_id, network_id, buffer_ref, time, kind, msgid, tags_ref, data_ref, prefix_ref, params_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, ev.NetworkID, bufferID, ev.Time.UnixMilli(), int(ev.Kind), ev.Msgid,
		tagsID, dataID, prefixID, paramsID,
	)
	if err != nil {
		s.log.Error("ingest: insert event", "error", err)
		return
	}

	if err := tx.Commit(); err != nil {
		s.log.Error("ingest: commit", "error", err)
		return
	}

	s.pool.commitPending(bufferPending, tagsPending, dataPending, prefixPending, paramsPending)
}
