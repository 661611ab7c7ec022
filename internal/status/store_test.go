package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewarden/internal/config"
	"tradewarden/internal/domain"
)

func snapshot(score float64) *domain.HealthSnapshot {
	return &domain.HealthSnapshot{
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		OverallScore: score,
		Strategies: map[string]domain.StrategyScore{
			"alpha": {Score: score, Weight: 1, Status: domain.StatusActive},
		},
		MonitoringEnabled: true,
		State:             "normal",
	}
}

func TestCurrentNilBeforeFirstSwap(t *testing.T) {
	s := NewStore(config.StatusConfig{}, nil)
	assert.Nil(t, s.Current())
}

func TestSwapAndCurrent(t *testing.T) {
	s := NewStore(config.StatusConfig{}, nil)

	s.Swap(snapshot(80))
	got := s.Current()
	require.NotNil(t, got)
	assert.Equal(t, 80.0, got.OverallScore)

	// Readers get a copy: mutating it must not leak into the store.
	got.Strategies["alpha"] = domain.StrategyScore{Score: 0}
	assert.Equal(t, 80.0, s.Current().Strategies["alpha"].Score)
}

func TestSwapWritesSnapshotFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "health.json")
	s := NewStore(config.StatusConfig{SnapshotPath: path}, nil)

	s.Swap(snapshot(65))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var snap domain.HealthSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 65.0, snap.OverallScore)
	assert.Equal(t, "normal", snap.State)

	// No torn temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	s := NewStore(config.StatusConfig{}, nil)
	updates, cancel := s.Subscribe()
	defer cancel()

	s.Swap(snapshot(70))

	select {
	case snap := <-updates:
		assert.Equal(t, 70.0, snap.OverallScore)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the snapshot")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	s := NewStore(config.StatusConfig{}, nil)
	updates, cancel := s.Subscribe()
	cancel()

	// Closed channel: receive must not block.
	_, open := <-updates
	assert.False(t, open)

	// Swapping after cancel must not panic on the closed channel.
	s.Swap(snapshot(50))
}

func TestSlowSubscriberDoesNotBlockWriter(t *testing.T) {
	s := NewStore(config.StatusConfig{}, nil)
	_, cancel := s.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// More swaps than the subscriber buffer holds.
		for i := 0; i < 50; i++ {
			s.Swap(snapshot(float64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on a slow subscriber")
	}
	assert.Equal(t, 49.0, s.Current().OverallScore)
}
