package observer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const csvHeader = "timestamp,strategy_id,symbol,confidence,direction,return,pnl\n"

func writeDrop(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func appendDrop(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestCSVDirSourceReadsRows(t *testing.T) {
	dir := t.TempDir()
	writeDrop(t, dir, "trades_001.csv", csvHeader+
		"2026-03-01T12:00:00Z,alpha,BTC-USD,0.8,long,0.02,150\n"+
		"2026-03-01T12:00:30Z,beta,ETH-USD,0.6,short,-0.01,-40\n")

	s := NewCSVDirSource(dir)
	rows, err := s.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "alpha", rows[0]["strategy_id"])
	assert.Equal(t, "BTC-USD", rows[0]["symbol"])
	assert.Equal(t, "0.02", rows[0]["return"])
	assert.Equal(t, "short", rows[1]["direction"])
}

func TestCSVDirSourceOnlyReturnsNewRows(t *testing.T) {
	dir := t.TempDir()
	path := writeDrop(t, dir, "trades_001.csv", csvHeader+
		"2026-03-01T12:00:00Z,alpha,BTC-USD,0.8,long,0.02,150\n")

	s := NewCSVDirSource(dir)

	rows, err := s.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Nothing new: nothing returned.
	rows, err = s.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)

	appendDrop(t, path, "2026-03-01T12:01:00Z,alpha,BTC-USD,0.7,long,0.01,90\n")
	rows, err = s.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "0.01", rows[0]["return"])
}

func TestCSVDirSourceReadsFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeDrop(t, dir, "trades_002.csv", csvHeader+
		"2026-03-01T13:00:00Z,alpha,BTC-USD,0.8,long,0.03,200\n")
	writeDrop(t, dir, "trades_001.csv", csvHeader+
		"2026-03-01T12:00:00Z,alpha,BTC-USD,0.8,long,0.02,150\n")

	s := NewCSVDirSource(dir)
	rows, err := s.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "0.02", rows[0]["return"], "older file first")
	assert.Equal(t, "0.03", rows[1]["return"])
}

func TestCSVDirSourceIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeDrop(t, dir, "notes.csv", csvHeader+"2026-03-01T12:00:00Z,alpha,BTC-USD,0.8,long,0.02,150\n")
	writeDrop(t, dir, "trades_001.txt", "junk")

	s := NewCSVDirSource(dir)
	rows, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCSVDirSourceEmptyDir(t *testing.T) {
	s := NewCSVDirSource(t.TempDir())
	rows, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}
