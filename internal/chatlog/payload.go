package chatlog

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/klauspost/compress/s2"
)

// execer and queryRower abstract over *sql.DB and *sql.Tx so intern can
// run either standalone or inside the caller's write transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

// payloadPool is C1: the content-addressed store of opaque byte
// payloads, fronted by the dedup cache (C2).
type payloadPool struct {
	cache *dedupCache
}

func newPayloadPool(cache *dedupCache) *payloadPool {
	return &payloadPool{cache: cache}
}

// intern assigns or retrieves the stable id for raw, per §4.1, and
// caches it immediately. internDB is satisfied by both *sql.DB and
// *sql.Tx; inside a write transaction that may still roll back, ingest
// uses internTx instead, which defers the cache update until commit.
type internDB interface {
	execer
	queryRower
}

func (p *payloadPool) intern(db internDB, raw []byte) (uint64, error) {
	if id, ok := p.cache.get(raw); ok {
		return id, nil
	}
	id, err := p.internUncached(db, raw)
	if err != nil {
		return 0, err
	}
	p.cache.set(raw, id)
	return id, nil
}

// pendingIntern is a row intern assigned that has not yet been cached,
// because the caller's transaction hadn't committed at the time of the
// call. commitPending must run after the commit succeeds.
type pendingIntern struct {
	raw []byte
	id  uint64
}

// internTx interns raw inside tx without populating the cache. If the
// call is a cache hit, pending is nil — the cached id is already known
// good. If raw needed a fresh row, the caller must call commitPending
// once tx.Commit() succeeds; skipping it on a rollback is what keeps a
// reverted insert from leaving a stale id in the cache (§4.1: a cached
// id must still exist in C1).
func (p *payloadPool) internTx(tx internDB, raw []byte) (id uint64, pending *pendingIntern, err error) {
	if id, ok := p.cache.get(raw); ok {
		return id, nil, nil
	}
	id, err = p.internUncached(tx, raw)
	if err != nil {
		return 0, nil, err
	}
	return id, &pendingIntern{raw: raw, id: id}, nil
}

// commitPending populates the cache for every non-nil pending entry.
// Call only after the transaction that produced them has committed.
func (p *payloadPool) commitPending(pending ...*pendingIntern) {
	for _, pe := range pending {
		if pe != nil {
			p.cache.set(pe.raw, pe.id)
		}
	}
}

func (p *payloadPool) internUncached(db internDB, raw []byte) (uint64, error) {
	enc := compress(raw)

	if _, err := db.Exec(`INSERT INTO payloads (bytes) VALUES (?)`, enc); err != nil {
		if !isUniqueViolation(err) {
			return 0, fmt.Errorf("chatlog: intern payload: %w", err)
		}
		// Expected: another call already interned these bytes. Fall
		// through to the read-back below.
	}

	var id uint64
	if err := db.QueryRow(`SELECT id FROM payloads WHERE bytes = ?`, enc).Scan(&id); err != nil {
		return 0, fmt.Errorf("chatlog: read back payload id: %w", err)
	}
	return id, nil
}

// loadPayloadBytes reads back and decompresses the bytes stored under id.
func loadPayloadBytes(db queryRower, id uint64) ([]byte, error) {
	var enc []byte
	if err := db.QueryRow(`SELECT bytes FROM payloads WHERE id = ?`, id).Scan(&enc); err != nil {
		return nil, err
	}
	return s2.Decode(nil, enc)
}

// compress applies the same S2 framing used for every interned
// payload, so that byte-exact lookups (e.g. resolving a buffer name to
// its payload id) can match the stored form directly.
func compress(raw []byte) []byte {
	return s2.Encode(nil, raw)
}

// decompress reverses compress, for payload bytes read directly out of
// a join rather than through loadPayloadBytes.
func decompress(enc []byte) ([]byte, error) {
	return s2.Decode(nil, enc)
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint
// violation — the expected, swallowed outcome of a duplicate intern.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
