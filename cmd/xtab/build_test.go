package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const defs = `
pivots:
  - name: by_region
    source: {sheet: Data, range: "A1:C5"}
    rows:
      - column: Region
    aggregates:
      - {column: Sales, kind: sum}
  - name: by_product
    source: {sheet: Data, range: "A1:C5"}
    rows:
      - column: Product
    aggregates:
      - {column: Sales, kind: sum}
      - {column: Sales, kind: sum, label: Share, percentage: {type: of_grand_total}}
`

func fixture(t *testing.T) (dir, book, def string) {
	t.Helper()
	dir = t.TempDir()
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName("Sheet1", "Data"))
	rows := [][]any{
		{"Region", "Product", "Sales"},
		{"East", "A", 10},
		{"West", "A", 20},
		{"East", "B", 30},
		{"West", "B", 40},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		row := r
		require.NoError(t, f.SetSheetRow("Data", cell, &row))
	}
	book = filepath.Join(dir, "data.xlsx")
	require.NoError(t, f.SaveAs(book))
	require.NoError(t, f.Close())

	def = filepath.Join(dir, "pivots.yaml")
	require.NoError(t, os.WriteFile(def, []byte(defs), 0o600))
	return dir, book, def
}

func TestRunBuildPrintsEveryPivot(t *testing.T) {
	_, book, def := fixture(t)
	var buf bytes.Buffer
	require.NoError(t, runBuild(context.Background(), &buf, buildOptions{file: book, defPath: def, maxBuilds: 2}))

	out := buf.String()
	require.Contains(t, out, "== by_region (Data!A1:C5) ==")
	require.Contains(t, out, "== by_product (Data!A1:C5) ==")
	require.Less(t, strings.Index(out, "by_region"), strings.Index(out, "by_product"))
	require.Contains(t, out, "Grand Total")
	require.Contains(t, out, "Share")
}

func TestRunBuildSelectsPivotAndOverridesSource(t *testing.T) {
	_, book, def := fixture(t)
	var buf bytes.Buffer
	err := runBuild(context.Background(), &buf, buildOptions{file: book, defPath: def, pivot: "by_region", rng: "A1:C3"})
	require.NoError(t, err)
	out := buf.String()
	require.Contains(t, out, "by_region (Data!A1:C3)")
	require.NotContains(t, out, "by_product")

	err = runBuild(context.Background(), &buf, buildOptions{file: book, defPath: def, pivot: "missing"})
	require.ErrorContains(t, err, `pivot "missing" not found`)
}

func TestRunBuildWritesWorkbook(t *testing.T) {
	dir, book, def := fixture(t)
	target := filepath.Join(dir, "report.xlsx")
	require.NoError(t, runBuild(context.Background(), &bytes.Buffer{}, buildOptions{file: book, defPath: def, out: target}))

	f, err := excelize.OpenFile(target)
	require.NoError(t, err)
	defer f.Close()
	require.ElementsMatch(t, []string{"by_region", "by_product"}, f.GetSheetList())
	v, err := f.GetCellValue("by_region", "B4")
	require.NoError(t, err)
	require.Equal(t, "100", v)
}

func TestBuildCommandRequiresFlags(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"build"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.Error(t, cmd.ExecuteContext(context.Background()))
}
