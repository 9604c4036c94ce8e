package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const fileSuffix = "_checkpoint.json"

// fileFormat is the on-disk layout. Pointer fields are required on load.
type fileFormat struct {
	SourceID     *string        `json:"source_id"`
	ProcessedIDs *[]string      `json:"processed_ids"`
	TotalRecords int            `json:"total_records"`
	NextOffset   *int           `json:"next_offset"`
	LastUpdated  time.Time      `json:"last_updated"`
	Errors       []ErrorEntry   `json:"errors"`
	Completed    *bool          `json:"completed"`
	Extra        map[string]any `json:"extra"`
}

// Store reads and writes checkpoint files in a single directory.
type Store struct {
	dir       string
	maxErrors int
	logger    *slog.Logger
}

// NewStore creates a store rooted at dir. The directory is created on first save.
func NewStore(dir string, maxErrors int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{dir: dir, maxErrors: maxErrors, logger: logger}
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the checkpoint file path for sourceID.
func (s *Store) Path(sourceID string) string {
	return filepath.Join(s.dir, SanitizeFilename(sourceID)+fileSuffix)
}

// Load returns the persisted checkpoint for sourceID. A missing file yields a
// fresh checkpoint. A file that cannot be parsed or fails structural
// validation is logged as an error and also yields a fresh checkpoint, with
// the corruption noted in its error log. Only I/O failures other than
// "not found" are returned as errors.
func (s *Store) Load(sourceID string) (*SourceCheckpoint, error) {
	path := s.Path(sourceID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no checkpoint found, starting fresh", "source", sourceID)
		return New(sourceID, s.maxErrors), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", path, err)
	}

	cp, err := s.decode(sourceID, data)
	if err != nil {
		s.logger.Error("invalid checkpoint, starting over for this source",
			"source", sourceID, "path", path, "error", err)
		fresh := New(sourceID, s.maxErrors)
		fresh.RecordError(fmt.Sprintf("discarded invalid checkpoint: %v", err))
		return fresh, nil
	}

	s.logger.Info("loaded checkpoint",
		"source", sourceID,
		"processed", cp.ProcessedCount(),
		"next_offset", cp.NextOffset,
		"completed", cp.Completed)
	return cp, nil
}

func (s *Store) decode(sourceID string, data []byte) (*SourceCheckpoint, error) {
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing checkpoint: %w", err)
	}

	switch {
	case f.SourceID == nil:
		return nil, errors.New("missing source_id")
	case *f.SourceID != sourceID:
		return nil, fmt.Errorf("source_id %q does not match %q", *f.SourceID, sourceID)
	case f.ProcessedIDs == nil:
		return nil, errors.New("missing processed_ids")
	case f.NextOffset == nil:
		return nil, errors.New("missing next_offset")
	case *f.NextOffset < 0:
		return nil, fmt.Errorf("negative next_offset %d", *f.NextOffset)
	case f.Completed == nil:
		return nil, errors.New("missing completed")
	}

	cp := New(sourceID, s.maxErrors)
	for _, id := range *f.ProcessedIDs {
		if id == "" {
			return nil, errors.New("empty id in processed_ids")
		}
		cp.processed[id] = struct{}{}
	}
	cp.TotalRecords = f.TotalRecords
	cp.NextOffset = *f.NextOffset
	cp.LastUpdated = f.LastUpdated
	cp.Errors = f.Errors
	cp.Completed = *f.Completed
	if f.Extra != nil {
		cp.Extra = f.Extra
	}
	return cp, nil
}

// Save writes the checkpoint atomically: the full state goes to a temporary
// file in the same directory, is fsynced, and is then renamed over the
// canonical path. Readers never observe a partially written file.
func (s *Store) Save(cp *SourceCheckpoint) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	cp.LastUpdated = time.Now().UTC()
	ids := cp.ProcessedIDs()
	offset := cp.NextOffset
	completed := cp.Completed
	sourceID := cp.SourceID
	errs := cp.Errors
	if errs == nil {
		errs = []ErrorEntry{}
	}

	data, err := json.MarshalIndent(fileFormat{
		SourceID:     &sourceID,
		ProcessedIDs: &ids,
		TotalRecords: cp.TotalRecords,
		NextOffset:   &offset,
		LastUpdated:  cp.LastUpdated,
		Errors:       errs,
		Completed:    &completed,
		Extra:        cp.Extra,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	path := s.Path(cp.SourceID)
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", path, err)
	}
	s.logger.Debug("checkpoint saved", "source", cp.SourceID, "processed", len(ids), "next_offset", offset)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true

	// Persist the rename itself. Not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Reset removes the persisted checkpoint for sourceID. It is an explicit
// operator action; nothing in a normal run calls it.
func (s *Store) Reset(sourceID string) error {
	err := os.Remove(s.Path(sourceID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing checkpoint for %s: %w", sourceID, err)
	}
	s.logger.Info("checkpoint reset", "source", sourceID)
	return nil
}

// List loads every checkpoint in the store directory, sorted by source id.
func (s *Store) List() ([]*SourceCheckpoint, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var out []*SourceCheckpoint
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", m, err)
		}
		var head struct {
			SourceID string `json:"source_id"`
		}
		if json.Unmarshal(data, &head) != nil || head.SourceID == "" {
			s.logger.Warn("skipping unreadable checkpoint", "path", m)
			continue
		}
		cp, err := s.decode(head.SourceID, data)
		if err != nil {
			s.logger.Warn("skipping invalid checkpoint", "path", m, "error", err)
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// SanitizeFilename replaces characters that are unsafe in file names.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*', ' ':
			return '_'
		}
		return r
	}, name)
	return strings.Trim(name, ". ")
}
