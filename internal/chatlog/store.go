// Package chatlog implements the persistent message store backing an
// IRC bouncer's chat history: content-addressed payload dedup, a
// single-writer ingest pipeline, five range-query forms for history
// replay, and a background retention GC that reclaims both events and
// orphaned payloads without ever racing the writer.
//
// The surrounding bouncer owns config loading, IRC line parsing,
// connection management, and its own CLI — this package only ever sees
// an already-parsed InboundMessage, a logical (user, network) pair, and
// a clock.
package chatlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

// ErrClosed is returned by any operation attempted after Shutdown.
var ErrClosed = errors.New("chatlog: store is closed")

// errNoSuchMsgid is used internally when a msgid cursor doesn't resolve
// to a known event; query callers see an empty result instead (§4.4
// edge cases), never this error.
var errNoSuchMsgid = errors.New("chatlog: msgid not found")

// Config holds store configuration (§6). Loading these values from a
// file or environment is the surrounding bouncer's job; this struct is
// the boundary between that and the store.
type Config struct {
	// Database is the path to the SQLite database file.
	Database string

	// RetentionDaysChannel is how many days of channel history to keep.
	// 0 disables retention for channel buffers.
	RetentionDaysChannel int
	// RetentionDaysPM is how many days of PM history to keep. 0
	// disables retention for PM buffers.
	RetentionDaysPM int
	// RetentionCleanupInterval is how often the retention GC runs, in
	// minutes. Default 1440 (24h).
	RetentionCleanupInterval int

	// CacheSizeKB sets SQLite's page cache size (PRAGMA cache_size, in
	// KB). Default 2000.
	CacheSizeKB int
	// MmapSizeBytes sets SQLite's mmap_size. 0 (default) disables mmap.
	MmapSizeBytes int64

	// Logger receives structured lifecycle and error logs. Defaults to
	// a tint-formatted logger over os.Stderr.
	Logger *slog.Logger
	// Registry is where the contractual §6 metrics are registered.
	// Defaults to a fresh private registry if nil.
	Registry *prometheus.Registry

	// Clock returns the current time. Defaults to time.Now; overridable
	// for deterministic retention tests.
	Clock func() time.Time
}

func (c *Config) setDefaults() {
	if c.RetentionCleanupInterval <= 0 {
		c.RetentionCleanupInterval = 1440
	}
	if c.CacheSizeKB == 0 {
		c.CacheSizeKB = 2000
	}
	if c.Logger == nil {
		c.Logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		}))
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Store is the persistent message store. Construct with Open; release
// resources with Shutdown.
type Store struct {
	cfg Config
	db  *sql.DB

	cache *dedupCache
	pool  *payloadPool

	// writerMu serializes every write transaction together with its
	// cache effects (§5, §9): ingest's (cache lookup … event insert …
	// commit … cache populate) and the GC's (delete … commit … cache
	// clear) must never interleave, or a cache hit taken mid-sweep can
	// survive the very commit that deletes the row it points at.
	writerMu sync.Mutex

	log     *slog.Logger
	metrics *storeMetrics

	ingest *ingestQueue
	gc     *retentionGC
	sched  *cron.Cron

	group  *errgroup.Group
	runCtx context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    atomic.Bool
}

// Open creates or opens the database at cfg.Database, applies the
// engine pragmas (§6), runs migrations, and starts the ingest worker and
// retention scheduler (§4.5: "runs at startup once then periodically").
func Open(cfg Config) (*Store, error) {
	cfg.setDefaults()
	if cfg.Database == "" {
		return nil, errors.New("chatlog: Config.Database is required")
	}

	if dir := filepath.Dir(cfg.Database); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("chatlog: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("chatlog: open database: %w", err)
	}

	if err := applyPragmas(db, cfg); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatlog: migration: %w", err)
	}

	metrics, err := newStoreMetrics(cfg.Registry)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("chatlog: metrics: %w", err)
	}

	cache := newDedupCache(defaultCacheMaxBytes)
	runCtx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(runCtx)

	s := &Store{
		cfg:     cfg,
		db:      db,
		cache:   cache,
		pool:    newPayloadPool(cache),
		log:     cfg.Logger,
		metrics: metrics,
		group:   group,
		runCtx:  gctx,
		cancel:  cancel,
	}
	s.ingest = newIngestQueue(s)
	s.gc = newRetentionGC(s)

	group.Go(func() error {
		s.ingest.run(gctx)
		return nil
	})

	// Startup cleanup pass, once, before the periodic scheduler starts.
	if err := s.gc.runCycle(gctx); err != nil {
		s.log.Error("initial retention cleanup failed", "error", err)
	}

	s.sched = cron.New()
	every := (time.Duration(cfg.RetentionCleanupInterval) * time.Minute).String()
	if _, err := s.sched.AddFunc("@every "+every, func() {
		if err := s.gc.runCycle(gctx); err != nil {
			s.log.Error("retention cleanup failed", "error", err)
		}
	}); err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("chatlog: schedule retention: %w", err)
	}
	s.sched.Start()

	s.log.Info("chatlog store opened", "database", cfg.Database)
	return s, nil
}

func applyPragmas(db *sql.DB, cfg Config) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", cfg.CacheSizeKB),
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	if cfg.MmapSizeBytes > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA mmap_size = %d", cfg.MmapSizeBytes))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("chatlog: pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS payloads (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			bytes BLOB NOT NULL UNIQUE
		);

		CREATE TABLE IF NOT EXISTS events (
			user_id    INTEGER NOT NULL,
			network_id INTEGER NOT NULL,
			buffer_ref INTEGER NOT NULL,
			time       INTEGER NOT NULL,
			kind       INTEGER NOT NULL,
			msgid      TEXT    NOT NULL DEFAULT '',
			tags_ref   INTEGER NOT NULL,
			data_ref   INTEGER NOT NULL,
			prefix_ref INTEGER NOT NULL,
			params_ref INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_query  ON events(user_id, buffer_ref, time);
		CREATE INDEX IF NOT EXISTS idx_events_msgid  ON events(msgid);
		CREATE INDEX IF NOT EXISTS idx_events_buffer ON events(buffer_ref);
		CREATE INDEX IF NOT EXISTS idx_events_tags   ON events(tags_ref);
		CREATE INDEX IF NOT EXISTS idx_events_data   ON events(data_ref);
		CREATE INDEX IF NOT EXISTS idx_events_prefix ON events(prefix_ref);
		CREATE INDEX IF NOT EXISTS idx_events_params ON events(params_ref);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Shutdown drains the ingest queue to completion, lets any in-flight
// retention batch finish, stops the scheduler, and closes the database
// (§5). Safe to call more than once.
func (s *Store) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		if s.sched != nil {
			cronDone := s.sched.Stop()
			select {
			case <-cronDone.Done():
			case <-ctx.Done():
			}
		}

		s.ingest.drain()
		s.cancel()
		_ = s.group.Wait()

		shutdownErr = s.db.Close()
		s.cache.clear()
		s.log.Info("chatlog store shut down")
	})
	return shutdownErr
}

// SupportsRead and SupportsWrite are the capability flags callers probe
// per §6.
const (
	SupportsRead  = true
	SupportsWrite = true
)
