// Package crosstab computes pivot tables: it groups the rows of a source
// table by row and column dimensions, aggregates measures for every detail,
// subtotal and grand total cell, applies Top-N, sort-by-value and percentage
// options, and lays the result out as a spanned grid.
package crosstab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle of a Crosstab.
type State int

const (
	StateUninitialized State = iota
	StateBuilding
	StateReady
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// BuildStats summarizes one build for observers.
type BuildStats struct {
	Duration   time.Duration
	SourceRows int
	RowTuples  int
	ColTuples  int
	Cells      int
	Truncation *Truncation
	Spilled    bool
	Err        error
}

// Observer receives build statistics.
type Observer interface {
	BuildFinished(BuildStats)
}

// Crosstab lazily builds a Grid over a Source. The first caller of Grid
// builds; concurrent callers wait for that build. A cancelled build returns
// the crosstab to Uninitialized and discards everything it computed.
type Crosstab struct {
	mu      sync.Mutex
	src     Source
	opts    Options
	state   State
	done    chan struct{}
	grid    *Grid
	gen     uint64
	retired []*Grid
}

// New validates opts against src and returns an unbuilt crosstab.
func New(src Source, opts Options) (*Crosstab, error) {
	if src == nil {
		return nil, ErrNoSource
	}
	if err := opts.Validate(src.ColCount()); err != nil {
		return nil, err
	}
	return &Crosstab{src: src, opts: opts.withDefaults()}, nil
}

// State returns the current lifecycle state.
func (x *Crosstab) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Invalidate discards the built grid so the next Grid call rebuilds. A build
// in flight finishes but its result is dropped. Grids handed out earlier stay
// readable until Close.
func (x *Crosstab) Invalidate() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.gen++
	if x.state == StateReady {
		x.retired = append(x.retired, x.grid)
		x.grid = nil
		x.state = StateUninitialized
	}
}

// SetOptions replaces the configuration and invalidates the grid.
func (x *Crosstab) SetOptions(opts Options) error {
	if err := opts.Validate(x.src.ColCount()); err != nil {
		return err
	}
	x.mu.Lock()
	x.opts = opts.withDefaults()
	x.mu.Unlock()
	x.Invalidate()
	return nil
}

// Grid returns the built grid, building it first when needed.
func (x *Crosstab) Grid(ctx context.Context) (*Grid, error) {
	for {
		x.mu.Lock()
		switch x.state {
		case StateReady:
			g := x.grid
			x.mu.Unlock()
			return g, nil
		case StateBuilding:
			done := x.done
			x.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		x.state = StateBuilding
		done := make(chan struct{})
		x.done = done
		gen, src, opts := x.gen, x.src, x.opts
		x.mu.Unlock()

		g, err := build(ctx, src, opts)

		x.mu.Lock()
		stale := err == nil && gen != x.gen
		if err == nil && !stale {
			x.grid = g
			x.state = StateReady
		} else {
			x.state = StateUninitialized
			if stale {
				x.retired = append(x.retired, g)
			}
		}
		x.done = nil
		close(done)
		x.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if !stale {
			return g, nil
		}
	}
}

// Close releases the current and retired grids.
func (x *Crosstab) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	var errs []error
	for _, g := range append(x.retired, x.grid) {
		if g != nil {
			errs = append(errs, g.Close())
		}
	}
	x.retired, x.grid = nil, nil
	x.state = StateUninitialized
	x.gen++
	return errors.Join(errs...)
}

// Build runs a one-off build of opts over src.
func Build(ctx context.Context, src Source, opts Options) (*Grid, error) {
	if src == nil {
		return nil, ErrNoSource
	}
	if err := opts.Validate(src.ColCount()); err != nil {
		return nil, err
	}
	return build(ctx, src, opts.withDefaults())
}

func build(ctx context.Context, src Source, opts Options) (g *Grid, err error) {
	start := time.Now()
	log := zerolog.Ctx(ctx)
	stats := BuildStats{}
	defer func() {
		stats.Duration = time.Since(start)
		stats.Err = err
		if opts.Observer != nil {
			opts.Observer.BuildFinished(stats)
		}
	}()

	cb, err := newCube(opts, log)
	if err != nil {
		return nil, err
	}
	if err = cb.scan(ctx, src); err != nil {
		log.Debug().Err(err).Int("scanned_rows", cb.scanned).Msg("crosstab build cancelled")
		return nil, err
	}
	stats.SourceRows = cb.scanned
	stats.Truncation = cb.trunc

	rows := cb.orderAxis(RowAxis)
	cols := cb.orderAxis(ColAxis)
	if opts.hasValueOrdering(RowAxis) {
		rows = cb.rankAxis(RowAxis, rows)
	}
	if opts.hasValueOrdering(ColAxis) {
		cols = cb.rankAxis(ColAxis, cols)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	cb.applyPercentages(rows, cols)
	g = cb.layout(src, rows, cols)
	stats.RowTuples, stats.ColTuples = len(rows), len(cols)
	stats.Cells = g.nRows * g.nCols

	if g.rows, stats.Spilled, err = storeTuples(opts, rows); err != nil {
		return nil, err
	}
	spilledCols := false
	if g.cols, spilledCols, err = storeTuples(opts, cols); err != nil {
		_ = g.rows.Close()
		return nil, err
	}
	stats.Spilled = stats.Spilled || spilledCols
	if stats.Spilled {
		log.Info().Int("row_tuples", len(rows)).Int("col_tuples", len(cols)).Msg("crosstab tuple lists spilled")
	}

	log.Debug().
		Int("source_rows", cb.scanned).
		Int("row_tuples", len(rows)).
		Int("col_tuples", len(cols)).
		Int("grid_rows", g.nRows).
		Int("grid_cols", g.nCols).
		Bool("truncated", cb.trunc != nil).
		Dur("elapsed", time.Since(start)).
		Msg("crosstab built")
	return g, nil
}

func storeTuples(opts Options, ts []*Tuple) (TupleStore, bool, error) {
	if opts.Spill == nil || opts.SpillThreshold <= 0 || len(ts) <= opts.SpillThreshold {
		return newMemoryStore(ts), false, nil
	}
	st, err := opts.Spill()
	if err != nil {
		return nil, false, err
	}
	for _, t := range ts {
		if err := st.Append(t); err != nil {
			_ = st.Close()
			return nil, false, err
		}
	}
	return st, true, nil
}
