package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradewarden/internal/domain"
)

const logFileName = "anomalies.jsonl"

// Log is the durable anomaly log: one JSON line per event, append-only,
// rotated by size. Rotated segments are renamed with a timestamp and
// never overwritten.
type Log struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	file     *os.File
	size     int64
	now      func() time.Time
}

// NewLog opens (or creates) the anomaly log under dir.
func NewLog(dir string, maxBytes int64) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create anomaly log dir: %w", err)
	}

	path := filepath.Join(dir, logFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open anomaly log: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat anomaly log: %w", err)
	}

	return &Log{
		dir:      dir,
		maxBytes: maxBytes,
		file:     file,
		size:     info.Size(),
		now:      time.Now,
	}, nil
}

// Append writes one event to the log, rotating first if the segment
// would exceed the size limit.
func (l *Log) Append(ev domain.AnomalyEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode anomaly event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxBytes > 0 && l.size+int64(len(data)) > l.maxBytes {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(data)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to append anomaly event: %w", err)
	}
	return nil
}

func (l *Log) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close anomaly log segment: %w", err)
	}

	// Nanosecond precision keeps segment names unique under rapid rotation.
	rotated := filepath.Join(l.dir, fmt.Sprintf("anomalies-%d.jsonl", l.now().UTC().UnixNano()))
	current := filepath.Join(l.dir, logFileName)
	if err := os.Rename(current, rotated); err != nil {
		return fmt.Errorf("failed to rotate anomaly log: %w", err)
	}

	file, err := os.OpenFile(current, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open fresh anomaly log segment: %w", err)
	}
	l.file = file
	l.size = 0
	return nil
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
