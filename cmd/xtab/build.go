package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vinodismyname/xcelpivot/config"
	"github.com/vinodismyname/xcelpivot/internal/crosstab"
	"github.com/vinodismyname/xcelpivot/internal/insights"
	"github.com/vinodismyname/xcelpivot/internal/reportdef"
	"github.com/vinodismyname/xcelpivot/internal/runtime"
	"github.com/vinodismyname/xcelpivot/internal/sheets"
	"github.com/vinodismyname/xcelpivot/internal/values"
	"github.com/vinodismyname/xcelpivot/internal/workbooks"
)

type buildOptions struct {
	file      string
	defPath   string
	pivot     string
	sheet     string
	rng       string
	out       string
	spillDir  string
	maxBuilds int
	timeout   time.Duration
}

func newBuildCmd() *cobra.Command {
	var o buildOptions
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build pivots from a definition file",
		Long: "Build every pivot of a YAML or JSON definition file (or the one named by --pivot)\n" +
			"over a workbook range. Pivots build concurrently. Grids print as aligned text\n" +
			"unless --out names an .xlsx file, which gets one sheet per pivot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.file, "file", "f", "", "Source workbook (.xlsx, .xlsm, .xltx, .xltm)")
	f.StringVarP(&o.defPath, "def", "d", "", "Pivot definition file (YAML or JSON)")
	f.StringVarP(&o.pivot, "pivot", "p", "", "Build only this named pivot")
	f.StringVar(&o.sheet, "sheet", "", "Source sheet; overrides each pivot's source")
	f.StringVar(&o.rng, "range", "", "Source range or defined name; overrides each pivot's source")
	f.StringVarP(&o.out, "out", "o", "", "Write grids to this new .xlsx file")
	f.StringVar(&o.spillDir, "spill-dir", "", "Directory for spill files")
	f.IntVar(&o.maxBuilds, "max-builds", config.DefaultMaxConcurrentBuilds, "Concurrent pivot builds")
	f.DurationVar(&o.timeout, "timeout", config.DefaultBuildTimeout, "Per-pivot build timeout")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("def")
	return cmd
}

type job struct {
	def          reportdef.Pivot
	sheet, rng   string
	title, label string
}

func runBuild(ctx context.Context, w io.Writer, o buildOptions) error {
	log := zerolog.Ctx(ctx)
	doc, err := reportdef.Load(o.defPath)
	if err != nil {
		return err
	}
	jobs, err := planJobs(doc, o)
	if err != nil {
		return err
	}

	limits := runtime.NewLimits(1, 1)
	limits.MaxConcurrentBuilds = max(o.maxBuilds, 1)
	if o.timeout > 0 {
		limits.BuildTimeout = o.timeout
	}
	ctrl := runtime.NewController(limits)
	mgr := workbooks.NewManager(0, 0, ctrl, nil)
	mgr.SetLogger(*log)
	defer func() { _ = mgr.Close(context.Background()) }()
	if _, _, err := mgr.GetOrOpenByPath(ctx, o.file); err != nil {
		return err
	}
	p := &insights.Pivoter{Limits: limits, Mgr: mgr, Gate: ctrl, SpillDir: o.spillDir}

	var (
		out  *excelize.File
		mu   sync.Mutex
		text = make([]string, len(jobs))
	)
	if o.out != "" {
		out = excelize.NewFile()
		defer out.Close()
		if err := out.SetSheetName(out.GetSheetName(0), "_"+out.GetSheetName(0)); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		g.Go(func() error {
			start := time.Now()
			err := p.Build(gctx, o.file, j.sheet, j.rng, j.def, func(grid *crosstab.Grid) error {
				if t := grid.Truncation(); t != nil {
					log.Warn().Str("pivot", j.label).Str("reason", t.Reason).Int("limit", t.Limit).Msg("pivot truncated")
				}
				if out == nil {
					text[i] = renderGrid(j.title, grid)
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				_, err := sheets.ExportGrid(out, j.label, grid, sheets.ExportOptions{PercentAggregates: insights.PercentAggregates(j.def)})
				return err
			})
			if err != nil {
				return fmt.Errorf("pivot %s: %w", j.label, err)
			}
			log.Debug().Str("pivot", j.label).Dur("elapsed", time.Since(start)).Msg("pivot built")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if out == nil {
		_, err := io.WriteString(w, strings.Join(text, "\n"))
		return err
	}
	if err := out.DeleteSheet(out.GetSheetName(0)); err != nil {
		return err
	}
	out.SetActiveSheet(0)
	if err := out.SaveAs(o.out); err != nil {
		return fmt.Errorf("save %s: %w", o.out, err)
	}
	log.Info().Str("out", o.out).Int("pivots", len(jobs)).Msg("pivots exported")
	return nil
}

// planJobs selects the pivots to build and resolves their source ranges.
func planJobs(doc *reportdef.Document, o buildOptions) ([]job, error) {
	defs := doc.Pivots
	if o.pivot != "" {
		d, ok := doc.Pivot(o.pivot)
		if !ok {
			return nil, fmt.Errorf("pivot %q not found in %s", o.pivot, o.defPath)
		}
		defs = []reportdef.Pivot{d}
	}
	jobs := make([]job, 0, len(defs))
	for i, d := range defs {
		j := job{def: d, sheet: o.sheet, rng: o.rng, label: d.Name}
		if j.label == "" {
			j.label = fmt.Sprintf("Pivot%d", i+1)
		}
		if d.Source != nil {
			if j.sheet == "" {
				j.sheet = d.Source.Sheet
			}
			if j.rng == "" {
				j.rng = d.Source.Range
			}
		}
		if j.sheet == "" || j.rng == "" {
			return nil, errors.New("pivot " + j.label + ": no source sheet and range; set --sheet and --range")
		}
		j.title = fmt.Sprintf("%s (%s!%s)", j.label, j.sheet, j.rng)
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// renderGrid lays out g as aligned text under a title line.
func renderGrid(title string, g *crosstab.Grid) string {
	var b strings.Builder
	b.WriteString("== " + title + " ==\n")
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	for r := 0; r < g.RowCount(); r++ {
		cells := make([]string, g.ColCount())
		for c := range cells {
			cells[c] = values.Format(g.Object(r, c))
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
	if t := g.Truncation(); t != nil {
		fmt.Fprintf(&b, "(truncated: %s limit %d after %d rows)\n", t.Reason, t.Limit, t.ScannedRows)
	}
	return b.String()
}
