package insights

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vinodismyname/xcelpivot/internal/reportdef"
	"github.com/vinodismyname/xcelpivot/internal/security"
	"github.com/vinodismyname/xcelpivot/pkg/mcperr"
	"github.com/xuri/excelize/v2"
)

func exportPivoter(t *testing.T, root string) *Pivoter {
	t.Helper()
	p := newPivoter(t)
	sec, err := security.NewManager([]string{root}, nil)
	require.NoError(t, err)
	p.Writes = sec
	return p
}

func TestExportCrosstabToNewWorkbook(t *testing.T) {
	path := salesWorkbook(t)
	dir := filepath.Dir(path)
	p := exportPivoter(t, dir)
	def := *byRegion()
	def.Name = "ByRegion"

	out, err := p.ExportCrosstab(context.Background(), ExportCrosstabInput{
		Path: path, Sheet: "Sales", Range: "A1:D6", Pivot: def,
		OutputPath: filepath.Join(dir, "report.xlsx"),
	})
	require.NoError(t, err)
	require.Equal(t, "ByRegion", out.TargetSheet)
	require.Equal(t, "A1:B6", out.Range)
	require.Equal(t, 6, out.Rows)
	require.Equal(t, 2, out.Cols)

	f, err := excelize.OpenFile(out.Path)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, []string{"ByRegion"}, f.GetSheetList())
	v, err := f.GetCellValue("ByRegion", "A6")
	require.NoError(t, err)
	require.Equal(t, "Grand Total", v)
	v, err = f.GetCellValue("ByRegion", "B2")
	require.NoError(t, err)
	require.Equal(t, "150", v)
}

func TestExportCrosstabIntoSourceWorkbook(t *testing.T) {
	path := salesWorkbook(t)
	p := exportPivoter(t, filepath.Dir(path))
	ctx := context.Background()
	in := ExportCrosstabInput{Path: path, Sheet: "Sales", Range: "A1:D6", Pivot: *byRegion()}

	id, _, err := p.Mgr.GetOrOpenByPath(ctx, path)
	require.NoError(t, err)
	version := func() int64 {
		var v int64
		require.NoError(t, p.Mgr.WithRead(id, func(_ *excelize.File, wbv int64) error {
			v = wbv
			return nil
		}))
		return v
	}
	before := version()

	out, err := p.ExportCrosstab(ctx, in)
	require.NoError(t, err)
	require.Equal(t, "Pivot", out.TargetSheet)
	require.Greater(t, version(), before)

	f, err := excelize.OpenFile(out.Path)
	require.NoError(t, err)
	require.Equal(t, []string{"Sales", "Pivot"}, f.GetSheetList())
	require.NoError(t, f.Close())

	_, err = p.ExportCrosstab(ctx, in)
	require.Equal(t, mcperr.SheetExists, Classify(err))
}

func TestExportCrosstabPercentAggregates(t *testing.T) {
	def := reportdef.Pivot{Aggregates: []reportdef.Aggregate{
		{Column: "Sales", Kind: "sum"},
		{Column: "Sales", Kind: "sum", Percentage: &reportdef.Percentage{Type: "of_grand_total"}},
	}}
	require.Equal(t, []int{1}, PercentAggregates(def))
}

func TestExportCrosstabRequiresWriteTarget(t *testing.T) {
	p := newPivoter(t)
	_, err := p.ExportCrosstab(context.Background(), ExportCrosstabInput{Path: "x.xlsx", Sheet: "S", Range: "A1:B2", Pivot: *byRegion()})
	require.ErrorIs(t, err, ErrNoWriteTarget)
	require.Equal(t, mcperr.WritesDisabled, Classify(err))

	path := salesWorkbook(t)
	p = exportPivoter(t, t.TempDir())
	_, err = p.ExportCrosstab(context.Background(), ExportCrosstabInput{
		Path: path, Sheet: "Sales", Range: "A1:D6", Pivot: *byRegion(),
		OutputPath: filepath.Join(filepath.Dir(path), "out.xlsx"),
	})
	require.Equal(t, mcperr.PermissionDenied, Classify(err))
}
