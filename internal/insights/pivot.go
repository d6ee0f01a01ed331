package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinodismyname/xcelpivot/internal/crosstab"
	"github.com/vinodismyname/xcelpivot/internal/formula"
	"github.com/vinodismyname/xcelpivot/internal/reportdef"
	"github.com/vinodismyname/xcelpivot/internal/runtime"
	"github.com/vinodismyname/xcelpivot/internal/security"
	"github.com/vinodismyname/xcelpivot/internal/sheets"
	"github.com/vinodismyname/xcelpivot/internal/spill"
	"github.com/vinodismyname/xcelpivot/internal/values"
	"github.com/vinodismyname/xcelpivot/internal/workbooks"
	"github.com/vinodismyname/xcelpivot/pkg/mcperr"
	"github.com/vinodismyname/xcelpivot/pkg/pagination"
	"github.com/xuri/excelize/v2"
)

// BuildGate bounds concurrent crosstab builds. runtime.Controller implements it.
type BuildGate interface {
	AcquireBuild(ctx context.Context) error
	ReleaseBuild()
	BuildContext(ctx context.Context) (context.Context, context.CancelFunc)
}

// WriteValidator checks export target paths.
type WriteValidator interface {
	ValidateWritePath(path string) (string, error)
}

// Pivoter builds crosstabs over workbook ranges for the pivot tools. Built
// crosstabs are cached on the workbook handle until the next write, so
// paging through a grid builds it once.
type Pivoter struct {
	Limits   runtime.Limits
	Mgr      *workbooks.Manager
	Gate     BuildGate
	Observer crosstab.Observer
	// SpillDir holds spill databases; empty uses the OS temp dir.
	SpillDir string
	Writes   WriteValidator
	Clock    func() time.Time
}

var (
	ErrInvalidPivot    = errors.New("insights: invalid pivot")
	ErrInvalidCursor   = errors.New("insights: invalid cursor")
	ErrStaleCursor     = errors.New("insights: workbook changed since cursor was issued")
	ErrPayloadTooLarge = errors.New("insights: page exceeds payload limit")
	ErrNoWriteTarget   = errors.New("insights: export path validation unavailable")
	errOpen            = errors.New("insights: open workbook")
)

// pivotRef identifies the workbook state a grid was built from.
type pivotRef struct {
	ID      string
	Path    string
	Sheet   string
	Range   string
	Version int64
	Def     []byte
}

func (p *Pivoter) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

// withGrid opens the workbook at path, fetches or builds the crosstab of def
// over sheet!rng and calls fn with the grid under the workbook read lock.
func (p *Pivoter) withGrid(ctx context.Context, path, sheet, rng string, def reportdef.Pivot, fn func(ref pivotRef, g *crosstab.Grid) error) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPivot, err)
	}
	pd, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPivot, err)
	}
	sheet, rng = strings.TrimSpace(sheet), strings.TrimSpace(rng)

	id, canonical, err := p.Mgr.GetOrOpenByPath(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %w", errOpen, err)
	}
	h, ok := p.Mgr.Get(id)
	if !ok {
		return workbooks.ErrHandleNotFound
	}
	key := pagination.Hash([]byte(sheet + "\x00" + rng + "\x00" + string(pd)))
	log := zerolog.Ctx(ctx).With().Str("workbook_id", id).Str("pivot", key).Logger()

	return p.Mgr.WithRead(id, func(f *excelize.File, version int64) error {
		x, err := h.Crosstab(key, p.now(), func(f *excelize.File) (*crosstab.Crosstab, io.Closer, error) {
			log.Debug().Str("sheet", sheet).Str("range", rng).Msg("crosstab cache miss")
			return p.open(f, sheet, rng, def)
		})
		if err != nil {
			return err
		}
		g, err := p.grid(log.WithContext(ctx), x)
		if err != nil {
			return err
		}
		b, err := sheets.ResolveRange(f, sheet, rng)
		if err != nil {
			return err
		}
		return fn(pivotRef{ID: id, Path: canonical, Sheet: sheet, Range: b.Ref, Version: version, Def: pd}, g)
	})
}

// open creates an unbuilt crosstab reading sheet!rng of f.
func (p *Pivoter) open(f *excelize.File, sheet, rng string, def reportdef.Pivot) (*crosstab.Crosstab, io.Closer, error) {
	src, err := sheets.NewRangeSource(f, sheet, rng)
	if err != nil {
		return nil, nil, err
	}
	opts, err := p.options(src.Header(), def)
	if err != nil {
		_ = src.Close()
		return nil, nil, err
	}
	x, err := crosstab.New(src, opts)
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidPivot, err)
	}
	return x, src, nil
}

// options resolves def against header and applies the server ceilings.
func (p *Pivoter) options(header []string, def reportdef.Pivot) (crosstab.Options, error) {
	opts, err := def.Resolve(header)
	if err != nil {
		return opts, fmt.Errorf("%w: %w", ErrInvalidPivot, err)
	}
	opts.MaxSourceRows = ceiling(opts.MaxSourceRows, p.Limits.MaxSourceRows)
	opts.MaxRowTuples = ceiling(opts.MaxRowTuples, p.Limits.MaxRowTuples)
	opts.MaxColTuples = ceiling(opts.MaxColTuples, p.Limits.MaxColTuples)
	opts.SpillThreshold = ceiling(opts.SpillThreshold, p.Limits.SpillThreshold)
	opts.Spill = spill.Func(p.SpillDir)
	opts.Observer = p.Observer
	return opts, nil
}

// ceiling caps a requested limit at the server limit. Zero requests the server limit.
func ceiling(req, max int) int {
	if max <= 0 {
		return req
	}
	if req <= 0 || req > max {
		return max
	}
	return req
}

// grid returns the built grid, taking a build slot when x still has to build.
func (p *Pivoter) grid(ctx context.Context, x *crosstab.Crosstab) (*crosstab.Grid, error) {
	if p.Gate == nil || x.State() == crosstab.StateReady {
		return x.Grid(ctx)
	}
	if err := p.Gate.AcquireBuild(ctx); err != nil {
		return nil, err
	}
	defer p.Gate.ReleaseBuild()
	bctx, cancel := p.Gate.BuildContext(ctx)
	defer cancel()
	return x.Grid(bctx)
}

// Build fetches or builds the pivot def over sheet!rng of the workbook at path
// and calls fn with the grid. The grid must not be retained after fn returns.
func (p *Pivoter) Build(ctx context.Context, path, sheet, rng string, def reportdef.Pivot, fn func(g *crosstab.Grid) error) error {
	return p.withGrid(ctx, path, sheet, rng, def, func(_ pivotRef, g *crosstab.Grid) error {
		return fn(g)
	})
}

// withBuild runs an uncached build of def over sheet!rng of f and calls fn
// with the grid before releasing it.
func (p *Pivoter) withBuild(ctx context.Context, f *excelize.File, sheet, rng string, def reportdef.Pivot, fn func(g *crosstab.Grid) error) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPivot, err)
	}
	x, src, err := p.open(f, sheet, rng, def)
	if err != nil {
		return err
	}
	defer src.Close()
	defer x.Close()
	g, err := p.grid(ctx, x)
	if err != nil {
		return err
	}
	return fn(g)
}

// Classify maps a pivot tool failure to its catalog code.
func Classify(err error) mcperr.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return mcperr.Timeout
	case errors.Is(err, ErrInvalidPivot),
		errors.Is(err, reportdef.ErrUnknownColumn),
		errors.Is(err, formula.ErrUnknownKind),
		errors.Is(err, crosstab.ErrNoAggregates):
		return mcperr.InvalidDefinition
	case errors.Is(err, sheets.ErrSheetNotFound):
		return mcperr.InvalidSheet
	case errors.Is(err, sheets.ErrInvalidRange):
		return mcperr.InvalidRange
	case errors.Is(err, sheets.ErrSheetExists):
		return mcperr.SheetExists
	case errors.Is(err, ErrInvalidCursor), errors.Is(err, ErrStaleCursor):
		return mcperr.CursorInvalid
	case errors.Is(err, ErrPayloadTooLarge):
		return mcperr.PayloadTooLarge
	case errors.Is(err, ErrNoWriteTarget):
		return mcperr.WritesDisabled
	case errors.Is(err, workbooks.ErrHandleNotFound):
		return mcperr.InvalidHandle
	case errors.Is(err, workbooks.ErrUnsupportedFormat), errors.Is(err, security.ErrUnsupportedExtension):
		return mcperr.UnsupportedFormat
	case errors.Is(err, security.ErrNotAllowed):
		return mcperr.PermissionDenied
	case errors.Is(err, errOpen), errors.Is(err, security.ErrNotFound):
		return mcperr.OpenFailed
	default:
		return mcperr.BuildFailed
	}
}

// jsonCell converts a grid value for structured output. Non-finite numbers
// become null; times, Others buckets and other values become text.
func jsonCell(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int, int64:
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	default:
		return values.Format(v)
	}
}

// cellFloat reads a numeric grid cell.
func cellFloat(g *crosstab.Grid, r, c int) (float64, bool) {
	f, ok := values.ToFloat(g.Object(r, c))
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func round3(x float64) float64 { return math.Round(x*1000) / 1000 }

func round2(x float64) float64 { return math.Round(x*100) / 100 }
