package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestHeaderKey(t *testing.T) {
	assert.Equal(t, "unit_name", HeaderKey(" Unit  Name "))
	assert.Equal(t, "origin_id", HeaderKey("\ufeffORIGIN_ID"))
	assert.Equal(t, "", HeaderKey("  "))
}

func TestReadFile_CSVComma(t *testing.T) {
	path := writeTestFile(t, "rows.csv", "Origin ID,Unit Name,Professional Name\nCNES-1,Museu X,J. Silva\n\n,,\nCNES-2,UBS,\n")

	tbl, err := ReadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Origin ID", "Unit Name", "Professional Name"}, tbl.Header)
	require.Len(t, tbl.Rows, 2)

	recs := tbl.Records()
	assert.Equal(t, "Museu X", recs[0]["unit_name"])
	assert.Equal(t, "", recs[1]["professional_name"])
}

func TestReadFile_CSVSemicolon(t *testing.T) {
	path := writeTestFile(t, "rows.csv", "origin_id;unit_name;specialty_name\nCNES-1;Museu, Centro;Guia\n")

	tbl, err := ReadFile(context.Background(), path)
	require.NoError(t, err)
	recs := tbl.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "Museu, Centro", recs[0]["unit_name"])
	assert.Equal(t, "Guia", recs[0]["specialty_name"])
}

func TestReadFile_TSV(t *testing.T) {
	path := writeTestFile(t, "rows.tsv", "origin_id\tunit_name\nCNES-1\tMuseu\n")

	tbl, err := ReadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Museu", tbl.Records()[0]["unit_name"])
}

func TestReadFile_XLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Planilha1": {
			{"origin_id", "unit_name", "professional_name"},
			{"CNES-1", "Museu X", "J. Silva"},
			{"CNES-1", "Museu X"},
		},
	})

	tbl, err := ReadFile(context.Background(), path)
	require.NoError(t, err)
	recs := tbl.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "J. Silva", recs[0]["professional_name"])
	assert.Equal(t, "", recs[1]["professional_name"], "short rows pad with empty cells")
}

func TestReadFile_Unsupported(t *testing.T) {
	_, err := ReadFile(context.Background(), "rows.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestReadFile_Empty(t *testing.T) {
	path := writeTestFile(t, "empty.csv", "")
	_, err := ReadFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no header row")
}

func TestReadXLSX_SkipsEmptyCoverSheet(t *testing.T) {
	f := xlsx.NewFile()
	_, err := f.AddSheet("Capa")
	require.NoError(t, err)
	data, err := f.AddSheet("Dados")
	require.NoError(t, err)
	for _, r := range [][]string{{"origin_id", "unit_name", ""}, {"CNES-1", "Museu"}} {
		row := data.AddRow()
		for _, c := range r {
			row.AddCell().SetString(c)
		}
	}
	path := filepath.Join(t.TempDir(), "export.xlsx")
	require.NoError(t, f.Save(path))

	rows, err := ReadXLSX(path, "")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"origin_id", "unit_name"}, {"CNES-1", "Museu"}}, rows)
}

func TestReadXLSX_NamedSheet(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Dados": {{"a"}, {"b"}},
	})

	rows, err := ReadXLSX(path, "Dados")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, rows)

	_, err = ReadXLSX(path, "Nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no sheet "Nope"`)
}

func TestReadXLSX_NoData(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{"Vazia": nil})
	_, err := ReadXLSX(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sheet with data")
}

func TestReadXLSX_MissingFile(t *testing.T) {
	_, err := ReadXLSX(filepath.Join(t.TempDir(), "missing.xlsx"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetcher: open workbook")
}
