package insights

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/vinodismyname/xcelpivot/internal/crosstab"
	"github.com/vinodismyname/xcelpivot/internal/reportdef"
	"github.com/vinodismyname/xcelpivot/internal/sheets"
	"github.com/xuri/excelize/v2"
)

const defaultExportSheet = "Pivot"

// ExportCrosstabInput writes a pivot grid to a new sheet, either in the
// source workbook or in a new workbook at OutputPath.
type ExportCrosstabInput struct {
	Path        string          `json:"path" jsonschema_description:"Source Excel file path inside an allowed directory"`
	Sheet       string          `json:"sheet" jsonschema_description:"Source sheet name"`
	Range       string          `json:"range" jsonschema_description:"A1 range or defined name; the first row holds the column headers"`
	Pivot       reportdef.Pivot `json:"pivot" jsonschema_description:"Pivot definition"`
	TargetSheet string          `json:"target_sheet,omitempty" jsonschema_description:"Sheet to create; defaults to the pivot name or Pivot"`
	OutputPath  string          `json:"output_path,omitempty" jsonschema_description:"Write a new .xlsx file here instead of adding a sheet to the source workbook"`
}

type ExportCrosstabOutput struct {
	Path        string               `json:"path" jsonschema_description:"Workbook that was written"`
	TargetSheet string               `json:"target_sheet"`
	Range       string               `json:"range" jsonschema_description:"Written grid range on the target sheet"`
	Rows        int                  `json:"rows"`
	Cols        int                  `json:"cols"`
	Truncation  *crosstab.Truncation `json:"truncation,omitempty"`
}

// ExportCrosstab builds the pivot and writes the grid with merged spans.
func (p *Pivoter) ExportCrosstab(ctx context.Context, in ExportCrosstabInput) (ExportCrosstabOutput, error) {
	var out ExportCrosstabOutput
	if p.Writes == nil {
		return out, ErrNoWriteTarget
	}
	out.TargetSheet = strings.TrimSpace(in.TargetSheet)
	if out.TargetSheet == "" {
		out.TargetSheet = lo.CoalesceOrEmpty(strings.TrimSpace(in.Pivot.Name), defaultExportSheet)
	}
	opts := sheets.ExportOptions{PercentAggregates: PercentAggregates(in.Pivot)}
	log := zerolog.Ctx(ctx)

	if strings.TrimSpace(in.OutputPath) != "" {
		target, err := p.Writes.ValidateWritePath(in.OutputPath)
		if err != nil {
			return out, err
		}
		err = p.withGrid(ctx, in.Path, in.Sheet, in.Range, in.Pivot, func(ref pivotRef, g *crosstab.Grid) error {
			rng, err := writeNewWorkbook(target, out.TargetSheet, g, opts)
			if err != nil {
				return err
			}
			out.Path, out.Range = target, rng
			out.Rows, out.Cols, out.Truncation = g.RowCount(), g.ColCount(), g.Truncation()
			return nil
		})
		if err == nil {
			log.Info().Str("target", target).Str("sheet", out.TargetSheet).Int("rows", out.Rows).Msg("crosstab exported to new workbook")
		}
		return out, err
	}

	id, canonical, err := p.Mgr.GetOrOpenByPath(ctx, in.Path)
	if err != nil {
		return out, fmt.Errorf("%w: %w", errOpen, err)
	}
	if _, err := p.Writes.ValidateWritePath(canonical); err != nil {
		return out, err
	}
	err = p.Mgr.WithWrite(id, func(f *excelize.File) error {
		return p.withBuild(ctx, f, strings.TrimSpace(in.Sheet), strings.TrimSpace(in.Range), in.Pivot, func(g *crosstab.Grid) error {
			rng, err := sheets.ExportGrid(f, out.TargetSheet, g, opts)
			if err != nil {
				return err
			}
			if err := f.Save(); err != nil {
				return fmt.Errorf("insights: save %s: %w", canonical, err)
			}
			out.Path, out.Range = canonical, rng
			out.Rows, out.Cols, out.Truncation = g.RowCount(), g.ColCount(), g.Truncation()
			return nil
		})
	})
	if err == nil {
		log.Info().Str("target", canonical).Str("sheet", out.TargetSheet).Int("rows", out.Rows).Msg("crosstab exported")
	}
	return out, err
}

func writeNewWorkbook(path, sheet string, g *crosstab.Grid, opts sheets.ExportOptions) (string, error) {
	f := excelize.NewFile()
	defer f.Close()
	placeholder := "_" + f.GetSheetName(0)
	if err := f.SetSheetName(f.GetSheetName(0), placeholder); err != nil {
		return "", fmt.Errorf("insights: rename placeholder sheet: %w", err)
	}
	rng, err := sheets.ExportGrid(f, sheet, g, opts)
	if err != nil {
		return "", err
	}
	if err := f.DeleteSheet(placeholder); err != nil {
		return "", fmt.Errorf("insights: drop placeholder sheet: %w", err)
	}
	if idx, err := f.GetSheetIndex(sheet); err == nil && idx >= 0 {
		f.SetActiveSheet(idx)
	}
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("insights: save %s: %w", path, err)
	}
	return rng, nil
}

// PercentAggregates lists the aggregates rendered as percentages.
func PercentAggregates(def reportdef.Pivot) []int {
	return lo.FilterMap(def.Aggregates, func(a reportdef.Aggregate, i int) (int, bool) {
		return i, a.Percentage != nil
	})
}
