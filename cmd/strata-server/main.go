// main.go is the entry point for the Strata server. It wires together the
// filter store, persistence layer, and network server, and manages the
// operational lifecycle including background maintenance tasks.
//
// Startup Sequence
// ================
//
// The server follows a careful initialization order to ensure consistency:
//
// First, we create the empty in-memory Store. Then we call loadAOF(), which
// reads the journal file (if it exists) and populates the store. This happens
// before any network listeners are active, so there's no need for locking
// during the load phase. Only after the state is fully restored do we open
// the AOF for writing and start accepting client connections.
//
// Durability Policy
// =================
//
// The server does not fsync to disk on every write—that would limit throughput
// to a few thousand operations per second. Instead, we buffer writes in memory
// and rely on a background goroutine to call Fsync() every second. This means:
//
//   - Under normal operation, committed data reaches the physical disk within
//     one second of the write.
//   - In the event of a kernel panic or power failure, at most one second of
//     recent writes may be lost. For a Bloom filter that means at most one
//     second of recently recorded tokens can be forgotten—never misremembered.
//
// Background Maintenance
// ======================
//
// A single background goroutine flushes the AOF buffer to disk every second
// and monitors the journal size, triggering compaction when it exceeds the
// configured growth threshold (-aof-min-size, -aof-rewrite-percent).
//
// There is no expiry loop: a scalable Bloom filter is insert-only, and
// silently expiring keys would delete set bits and break the structure's
// no-false-negative guarantee. Filters live until an explicit DEL.
//
// Graceful Shutdown
// =================
//
// On exit (SIGINT/SIGTERM or clean return), we perform a final CompactAOF to
// ensure the journal is as small as possible for the next startup. This is a
// best-effort operation—if it fails, the journal remains valid (just larger
// than optimal).

package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"strata.lopezb.com/internal/strata/bloom"
)

type config struct {
	port              int
	maxConnections    int
	shutdownTimeout   time.Duration
	idleTimeout       time.Duration
	sbfErrorRate      float64
	sbfLayerSize      int
	sbfNumHashes      int
	sbfHasher         string
	persistence       bool
	aofFilename       string
	aofMinSize        int64
	aofRewritePercent int
	aofLoadTruncated  bool
}

type application struct {
	config          config
	logger          *slog.Logger
	listener        net.Listener
	store           *Store
	router          *Router
	metrics         *Metrics
	readyCh         chan struct{}
	wg              sync.WaitGroup
	connLimiter     chan struct{}
	aof             *AOF
	aofBaseSize     atomic.Int64
	isRewriting     atomic.Bool
	needsCompaction bool

	// filterConfig is the template for filters auto-created on first SBF.ADD
	// to an unknown key. Resolved from flags once at startup.
	filterConfig bloom.Config
}

func main() {
	var cfg config

	flag.IntVar(&cfg.port, "port", 6480, "TCP server port")
	flag.IntVar(&cfg.maxConnections, "max-conn", 100, "Maximum concurrent connections")
	flag.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", 0, "Idle client connection timeout (0 for no timeout)")
	flag.Float64Var(&cfg.sbfErrorRate, "sbf-error-rate", bloom.DefaultErrorRate, "False positive ceiling for auto-created filters")
	flag.IntVar(&cfg.sbfLayerSize, "sbf-layer-size", bloom.DefaultLayerSize, "Layer size in bits for auto-created filters")
	flag.IntVar(&cfg.sbfNumHashes, "sbf-hashes", 0, "Hash rounds per token for auto-created filters (0 derives from error rate)")
	flag.StringVar(&cfg.sbfHasher, "sbf-hasher", bloom.HasherCRC32, "Token hasher for auto-created filters (crc32, fnv32a, murmur3, xxhash32)")
	flag.BoolVar(&cfg.persistence, "persistence", true, "Enable AOF persistence (set false for in-memory only mode)")
	flag.StringVar(&cfg.aofFilename, "aof", "journal.aof", "Append Only File path")
	flag.Int64Var(&cfg.aofMinSize, "aof-min-size", 64*1024*1024, "Min size (bytes) to trigger AOF rewrite")
	flag.IntVar(&cfg.aofRewritePercent, "aof-rewrite-percent", 100, "Percentage growth to trigger AOF rewrite")
	flag.BoolVar(&cfg.aofLoadTruncated, "aof-load-truncated", true, "Auto-recover from truncated AOF (set false for strict mode)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Validate the filter defaults up front: a bad -sbf-hasher or sizing flag
	// should fail startup, not the first SBF.ADD weeks later.
	hasher, err := bloom.HasherByName(cfg.sbfHasher)
	if err != nil {
		logger.Error("invalid -sbf-hasher", "error", err)
		os.Exit(1)
	}
	filterConfig := bloom.Config{
		MaxFalsePositiveRate: cfg.sbfErrorRate,
		NumHashes:            cfg.sbfNumHashes,
		LayerSize:            cfg.sbfLayerSize,
		Hasher:               hasher,
	}
	if _, err := bloom.New(filterConfig); err != nil {
		logger.Error("invalid filter defaults", "error", err)
		os.Exit(1)
	}

	app := &application{
		config:       cfg,
		logger:       logger,
		store:        NewStore(),
		metrics:      NewMetrics(),
		connLimiter:  make(chan struct{}, cfg.maxConnections),
		filterConfig: filterConfig,
	}

	app.router = app.commands()

	// Persistence setup: load existing data and open AOF for writing.
	// When persistence is disabled, the server runs in memory-only mode.
	if cfg.persistence {
		// This replays any commands that happened after the snapshot (or all if no snapshot).
		if err := app.loadAOF(); err != nil {
			logger.Error("failed to load AOF", "error", err)
			os.Exit(1) // Fatal: AOF corruption implies data loss risk
		}

		aof, err := NewAOF(cfg.aofFilename)
		if err != nil {
			logger.Error("failed to open AOF", "error", err)
			os.Exit(1)
		}
		app.aof = aof

		// Initialize base size on startup so we calculate growth correctly.
		if stat, err := aof.file.Stat(); err == nil {
			app.aofBaseSize.Store(stat.Size())
		} else {
			app.aofBaseSize.Store(0)
		}

		// If loadAOF detected truncation, trigger immediate compaction to heal
		// the file by writing a clean binary snapshot over the corrupted tail.
		if app.needsCompaction {
			logger.Info("AOF was truncated on load, triggering immediate compaction to heal the file...")
			if err := app.CompactAOF(); err != nil {
				// Non-fatal: the server can still run, but the file won't be
				// healed until the next automatic or manual compaction.
				logger.Error("failed to compact AOF after truncation recovery", "error", err)
			} else {
				logger.Info("AOF healed successfully")
			}
		}
	} else {
		logger.Info("persistence disabled, running in memory-only mode")
	}

	// Background Maintenance Loop
	//
	// The heartbeat of the persistence system: flush buffered writes to disk
	// once a second, and trigger compaction when the journal grows too large.
	go func() {
		fsyncTicker := time.NewTicker(1 * time.Second)
		defer fsyncTicker.Stop()

		for range fsyncTicker.C {
			if app.aof == nil {
				continue
			}

			// Durability: force buffered writes to the physical disk. This is
			// what backs the "at most 1 second of data loss" guarantee.
			if err := app.aof.Fsync(); err != nil {
				logger.Error("background sync failed", "error", err)
			}

			stat, err := app.aof.file.Stat()
			if err != nil {
				continue
			}

			currentSize := stat.Size()
			baseSize := app.aofBaseSize.Load()

			// Don't rewrite tiny files: even if the percentage threshold is
			// technically exceeded, compaction overhead isn't worth it.
			if currentSize < cfg.aofMinSize {
				continue
			}

			// Trigger when file size exceeds base + (base * percent / 100).
			growthTarget := baseSize + (baseSize * int64(cfg.aofRewritePercent) / 100)

			if currentSize > growthTarget {
				// Only one compaction can run at a time. CompareAndSwap wins
				// only if no other compaction is in flight.
				if app.isRewriting.CompareAndSwap(false, true) {
					logger.Info("auto-rewrite triggered",
						"current_bytes", currentSize,
						"base_bytes", baseSize,
						"threshold_percent", cfg.aofRewritePercent)

					// Run compaction off the maintenance loop so fsync ticks
					// aren't missed.
					go func() {
						defer app.isRewriting.Store(false)

						start := time.Now()
						if err := app.CompactAOF(); err != nil {
							logger.Error("auto-rewrite failed", "error", err)
						} else {
							logger.Info("auto-rewrite completed", "duration", time.Since(start))
						}
					}()
				}
			}
		}
	}()

	// Final compaction on exit keeps the journal small for the next startup.
	defer func() {
		if app.aof == nil {
			logger.Info("shutting down...")
			return
		}
		logger.Info("shutting down, compacting AOF...")
		if err := app.CompactAOF(); err != nil {
			// Best-effort: the journal is still valid if compaction fails,
			// just not as compact.
			logger.Error("failed to compact AOF on exit", "error", err)
		}
		_ = app.aof.Close()
	}()

	if err := app.serve(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
