package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCorpus(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadSMILESByHeaderName(t *testing.T) {
	path := writeCorpus(t, "drug_id,smiles,ic50\nD1,CCO,1.2\nD2,c1ccccc1,0.4\nD3,,0.9\n")
	got, err := ReadSMILES(path, "smiles", ',')
	require.NoError(t, err)
	// Blank field on D3 is skipped, not returned as an empty string.
	assert.Equal(t, []string{"CCO", "c1ccccc1"}, got)
}

func TestReadSMILESByIndex(t *testing.T) {
	path := writeCorpus(t, "D1\tCCO\nD2\tCCN\n")
	got, err := ReadSMILES(path, "1", '\t')
	require.NoError(t, err)
	assert.Equal(t, []string{"CCO", "CCN"}, got)
}

func TestReadSMILESMissingColumn(t *testing.T) {
	path := writeCorpus(t, "drug_id,structure\nD1,CCO\n")
	_, err := ReadSMILES(path, "smiles", ',')
	assert.ErrorIs(t, err, ErrColumnNotFound)
}

func TestReadSMILESIndexOutOfRange(t *testing.T) {
	path := writeCorpus(t, "D1,CCO\n")
	_, err := ReadSMILES(path, "5", ',')
	assert.ErrorIs(t, err, ErrColumnNotFound)
}

func TestReadSMILESMissingFile(t *testing.T) {
	_, err := ReadSMILES(filepath.Join(t.TempDir(), "nope.csv"), "smiles", ',')
	assert.Error(t, err)
}
