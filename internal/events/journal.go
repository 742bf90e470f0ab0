package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/logger"
)

// JournalEntry is one event as written to disk.
type JournalEntry struct {
	Event     Event     `json:"event"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal appends events to a JSON lines file.
type Journal struct {
	path    string
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// OpenJournal opens path for appending, creating parent directories.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{
		path:    path,
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

// Append writes an event.
func (j *Journal) Append(topic string, event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errors.New(errors.CodeInternal, "journal is closed")
	}

	entry := JournalEntry{
		Event:     event,
		Topic:     topic,
		Timestamp: time.Now(),
	}
	if err := j.encoder.Encode(entry); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}

// ReadJournal reads entries written after since, in file order. A limit
// above zero caps the number returned. Run filters by run ID when set.
func ReadJournal(path string, since time.Time, runID string, limit int) ([]JournalEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []JournalEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(file)

	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, maxScanTokenSize), maxScanTokenSize)

	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// Skip malformed lines
			continue
		}
		if !entry.Timestamp.After(since) {
			continue
		}
		if runID != "" && entry.Event.RunID != runID {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}
	return entries, nil
}

// Replay publishes journal entries written after since to p.
func Replay(ctx context.Context, path string, p Publisher, since time.Time) error {
	entries, err := ReadJournal(path, since, "", 0)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Publish(ctx, entry.Topic, entry.Event); err != nil {
			return fmt.Errorf("failed to replay event %s: %w", entry.Event.ID, err)
		}
	}
	return nil
}

// Path returns the journal file.
func (j *Journal) Path() string {
	return j.path
}

// Close syncs and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		j.file = nil
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	err := j.file.Close()
	j.file = nil
	j.encoder = nil
	if err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}

// JournaledPublisher writes every event to a journal before handing it to
// the inner publisher. Journal failures are logged, not returned.
type JournaledPublisher struct {
	inner   Publisher
	journal *Journal
	log     *logger.Logger
}

// NewJournaledPublisher wraps inner.
func NewJournaledPublisher(inner Publisher, journal *Journal, log *logger.Logger) *JournaledPublisher {
	if log == nil {
		log = logger.Default()
	}
	return &JournaledPublisher{inner: inner, journal: journal, log: log}
}

// Publish implements Publisher.
func (p *JournaledPublisher) Publish(ctx context.Context, topic string, event Event) error {
	if err := p.journal.Append(topic, event); err != nil {
		p.log.Warn("Failed to journal event", "topic", topic, "error", err.Error())
	}
	return p.inner.Publish(ctx, topic, event)
}

// Close closes the journal and the inner publisher.
func (p *JournaledPublisher) Close() error {
	if err := p.journal.Close(); err != nil {
		p.log.Warn("Failed to close event journal", "error", err.Error())
	}
	return p.inner.Close()
}
