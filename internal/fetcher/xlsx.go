package fetcher

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the sheet and header handling for a workbook
// read. The USDA directory exports put their column headers on row 0
// of the first sheet, so the common call is SkipRows 1 with a HeaderCh.
type XLSXOptions struct {
	SheetIndex int             // default 0
	SheetName  string          // if set, overrides SheetIndex
	SkipRows   int             // header rows to drop from the result
	HeaderCh   chan<- []string // optional: receives row 0 before skipping
}

// ReadXLSX loads one sheet of a workbook into string rows. Directory
// exports are a few thousand rows at most, so the whole sheet is
// materialized rather than streamed. HeaderCh is closed before
// returning, so a receive on it never blocks, even for a sheet with no
// rows.
func ReadXLSX(path string, opts XLSXOptions) ([][]string, error) {
	if opts.HeaderCh != nil {
		defer close(opts.HeaderCh)
	}

	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "xlsx: open %s", path)
	}

	sheet, err := selectSheet(f, opts)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for i, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}

		if i == 0 && opts.HeaderCh != nil {
			opts.HeaderCh <- cells
		}
		if i < opts.SkipRows {
			continue
		}
		rows = append(rows, cells)
	}

	return rows, nil
}

func selectSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}
