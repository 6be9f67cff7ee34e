// handlers_filter.go implements the scalable filter commands.
//
// This file provides filter operations (SBF.RESERVE, SBF.ADD, SBF.EXISTS,
// SBF.INFO) for probabilistic set membership testing. A filter can
// definitively say when a token has NOT been recorded, but may report a
// false positive when checking if a token HAS been recorded.
//
// Storage Format
// ==============
// Each key maps to a live *bloom.Filter. The filter grows by appending
// equal-size layers as it fills, keeping its false positive estimate under
// the configured ceiling. Filters never shrink; DEL discards the whole key.
//
// Concurrency Strategy
// ====================
// - SBF.RESERVE: Uses Create() for atomic create-if-absent
// - SBF.ADD: Uses Mutate() so bit flips and layer growth happen under the
//   exclusive shard lock
// - SBF.EXISTS / SBF.INFO: Use View() for read-only access with shared locking
//
// Replay Determinism
// ==================
// The AOF replays commands to rebuild filters bit-for-bit, which only works
// if a replayed filter is created with the same parameters as the original.
// Explicit SBF.RESERVE commands are logged with their fully resolved
// parameters. When SBF.ADD auto-creates a filter from the server flags, we
// log a synthetic SBF.RESERVE first—otherwise a restart with different flags
// would silently rebuild the filter with a different geometry.

package main

import (
	"fmt"
	"io"
	"strconv"

	"strata.lopezb.com/internal/strata/bloom"
)

// reserveArgs renders a filter's construction parameters as SBF.RESERVE
// arguments. FormatFloat with precision -1 produces the shortest string that
// round-trips the exact float64, so the replayed rate is bit-identical.
func reserveArgs(key string, f *bloom.Filter) []string {
	return []string{
		key,
		strconv.FormatFloat(f.MaxFalsePositiveRate(), 'g', -1, 64),
		strconv.Itoa(f.LayerSize()),
		strconv.Itoa(f.NumHashes()),
		f.Hasher().Name(),
	}
}

// handleSBFReserve handles the SBF.RESERVE command.
// Syntax: SBF.RESERVE key error_rate layer_size [num_hashes] [hasher]
//
// Creates an empty filter under the key with explicit parameters. num_hashes
// defaults to 0, which derives the hash count from the error rate. hasher
// defaults to the server's configured token hasher. Fails with BUSYKEY if the
// key already holds a filter.
func (app *application) handleSBFReserve(w io.Writer, args []string) {
	if len(args) < 3 || len(args) > 5 {
		app.wrongNumberOfArgsResponse(w, "SBF.RESERVE")
		return
	}

	key := args[0]

	errorRate, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		_ = app.writeErrorResponse(w, "ERR error_rate is not a valid float")
		return
	}

	layerSize, err := strconv.Atoi(args[2])
	if err != nil {
		_ = app.writeErrorResponse(w, "ERR layer_size is not a valid integer")
		return
	}

	numHashes := 0
	if len(args) >= 4 {
		numHashes, err = strconv.Atoi(args[3])
		if err != nil {
			_ = app.writeErrorResponse(w, "ERR num_hashes is not a valid integer")
			return
		}
	}

	hasher := app.filterConfig.Hasher
	if len(args) == 5 {
		hasher, err = bloom.HasherByName(args[4])
		if err != nil {
			_ = app.writeErrorResponse(w, "ERR "+err.Error())
			return
		}
	}

	filter, err := bloom.New(bloom.Config{
		MaxFalsePositiveRate: errorRate,
		NumHashes:            numHashes,
		LayerSize:            layerSize,
		Hasher:               hasher,
	})
	if err != nil {
		_ = app.writeErrorResponse(w, "ERR "+err.Error())
		return
	}

	if !app.store.Create(key, filter) {
		app.keyExistsResponse(w)
		return
	}

	// Log the resolved parameters (derived num_hashes, actual hasher name),
	// not the user's raw arguments, so replay is exact.
	app.logCommand("SBF.RESERVE", reserveArgs(key, filter))

	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleSBFAdd handles the SBF.ADD command.
// Syntax: SBF.ADD key token [token ...]
//
// Records one or more tokens in the filter, creating it from the server's
// default parameters if the key does not exist. For each token the reply is
// 1 if the token was newly recorded, or 0 if it was (probably) already
// present. A single token gets an integer reply; multiple tokens get an
// array in input order.
func (app *application) handleSBFAdd(w io.Writer, args []string) {
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, "SBF.ADD")
		return
	}

	key := args[0]
	tokens := args[1:]

	results := make([]int, len(tokens))
	var recorded int
	var created *bloom.Filter
	var logicErr error

	// All tokens are processed within a single lock acquisition, so a
	// pipelined reader on another connection sees either none or all of a
	// batch.
	app.store.Mutate(key, func(f *bloom.Filter) (*bloom.Filter, bool) {
		fresh := false
		if f == nil {
			var err error
			f, err = bloom.New(app.filterConfig)
			if err != nil {
				// Unreachable in practice: the config was validated at startup.
				logicErr = err
				return nil, false
			}
			created = f
			fresh = true
		}

		for i, token := range tokens {
			// ExistsOrInsert reports prior membership; the wire answer is the
			// inverse ("was this newly recorded").
			if !f.ExistsOrInsert([]byte(token)) {
				results[i] = 1
				recorded++
			}
		}

		return f, fresh
	})

	if logicErr != nil {
		_ = app.writeErrorResponse(w, "ERR "+logicErr.Error())
		return
	}

	if created != nil {
		app.logCommand("SBF.RESERVE", reserveArgs(key, created))
	}
	if recorded > 0 || created != nil {
		app.logCommand("SBF.ADD", args)
		app.metrics.TokensRecorded.Add(uint64(recorded))
	}

	if len(tokens) == 1 {
		_ = app.writeIntegerResponse(w, results[0])
		return
	}
	_ = app.writeIntegerArrayResponse(w, results)
}

// handleSBFExists handles the SBF.EXISTS command.
// Syntax: SBF.EXISTS key token [token ...]
//
// Tests whether tokens have been recorded. For each token the reply is 1 if
// the token is probably present (subject to the false positive ceiling), or
// 0 if it is definitely not. A missing key answers 0 for every token. Never
// mutates the filter.
func (app *application) handleSBFExists(w io.Writer, args []string) {
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, "SBF.EXISTS")
		return
	}

	key := args[0]
	tokens := args[1:]

	// Pre-allocate results with zeros (default: not recorded).
	results := make([]int, len(tokens))

	// View holds the shard's read lock, so concurrent SBF.EXISTS run in
	// parallel while SBF.ADD on the same shard is excluded.
	_ = app.store.View(key, func(f *bloom.Filter) error {
		if f == nil {
			return nil
		}
		for i, token := range tokens {
			if f.Exists([]byte(token)) {
				results[i] = 1
			}
		}
		return nil
	})

	if len(tokens) == 1 {
		_ = app.writeIntegerResponse(w, results[0])
		return
	}
	_ = app.writeIntegerArrayResponse(w, results)
}

// handleSBFInfo handles the SBF.INFO command.
// Syntax: SBF.INFO key
//
// Reports the filter's configuration and current occupancy statistics in the
// same key:value format as the server-level INFO command.
func (app *application) handleSBFInfo(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "SBF.INFO")
		return
	}

	key := args[0]

	var report string
	err := app.store.View(key, func(f *bloom.Filter) error {
		if f == nil {
			return fmt.Errorf("no such key '%s'", key)
		}

		report = fmt.Sprintf(
			"max_false_positive_rate:%g\r\n"+
				"num_hashes:%d\r\n"+
				"layer_size:%d\r\n"+
				"slice_size:%d\r\n"+
				"num_layers:%d\r\n"+
				"size:%d\r\n"+
				"n:%d\r\n"+
				"utilization:%g\r\n"+
				"capacity:%g\r\n"+
				"false_positive_rate:%g\r\n"+
				"hasher:%s\r\n",
			f.MaxFalsePositiveRate(),
			f.NumHashes(),
			f.LayerSize(),
			f.SliceSize(),
			f.NumLayers(),
			f.Size(),
			f.N(),
			f.Utilization(),
			f.Capacity(),
			f.FalsePositiveRate(),
			f.Hasher().Name(),
		)
		return nil
	})
	if err != nil {
		_ = app.writeErrorResponse(w, "ERR "+err.Error())
		return
	}

	_ = app.writeBulkStringResponse(w, report)
}
