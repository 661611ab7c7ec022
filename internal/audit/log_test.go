package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewarden/internal/domain"
)

func testEvent(strategy string) domain.AnomalyEvent {
	return domain.AnomalyEvent{
		ID:         uuid.NewString(),
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		StrategyID: strategy,
		Kind:       domain.KindLargeLoss,
		Severity:   domain.SeverityCritical,
		Value:      -0.3,
		Threshold:  -0.2,
		Note:       "test event",
	}
}

func TestLogAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, 1<<20)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(testEvent("alpha")))
	require.NoError(t, l.Append(testEvent("beta")))

	f, err := os.Open(filepath.Join(dir, "anomalies.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev domain.AnomalyEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, domain.KindLargeLoss, ev.Kind)
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestLogRotatesAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, 256)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Append(testEvent("alpha")))
	}

	rotated, err := filepath.Glob(filepath.Join(dir, "anomalies-*.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, rotated, "log should rotate past the size limit")

	// The live file keeps accepting writes after rotation.
	require.NoError(t, l.Append(testEvent("beta")))
	_, err = os.Stat(filepath.Join(dir, "anomalies.jsonl"))
	assert.NoError(t, err)
}
