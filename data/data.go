// Package data reads SMILES corpora from delimited text files, one record
// per molecule with the string in a named or numbered column.
package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

var ErrColumnNotFound = errors.New("data: SMILES column not found")

// ReadSMILES parses a delimited file and returns the SMILES column. column
// is either a header name (the first record is treated as a header) or a
// numeric 0-based index (no header assumed). Blank fields are skipped.
func ReadSMILES(path string, column string, delim rune) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readSMILES(f, column, delim)
}

func readSMILES(r io.Reader, column string, delim rune) ([]string, error) {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1

	col, byIndex := -1, false
	if n, err := strconv.Atoi(column); err == nil {
		col, byIndex = n, true
	}

	var out []string
	skipped := 0
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
		if first && !byIndex {
			for i, name := range rec {
				if name == column {
					col = i
					break
				}
			}
			if col < 0 {
				return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
			}
			first = false
			continue
		}
		first = false
		if col >= len(rec) {
			return nil, fmt.Errorf("%w: index %d in %d-field record", ErrColumnNotFound, col, len(rec))
		}
		if s := rec[col]; s != "" {
			out = append(out, s)
		} else {
			skipped++
		}
	}
	log.Debug().Int("records", len(out)).Int("blank", skipped).Msg("corpus loaded")
	return out, nil
}
