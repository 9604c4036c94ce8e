// Package output appends transformed records to per-source JSONL files.
package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/TobiSchelling/IssueCrawler/internal/checkpoint"
)

const fileSuffix = "_issues.jsonl"

// Path returns the output file for sourceID inside dir.
func Path(dir, sourceID string) string {
	return filepath.Join(dir, checkpoint.SanitizeFilename(sourceID)+fileSuffix)
}

// Writer appends one JSON document per line. It is not safe for concurrent use.
type Writer struct {
	path    string
	file    *os.File
	buf     *bufio.Writer
}

// Open opens (or creates) the output file for sourceID in append mode. A
// trailing partial line left by a crash is cut off first.
func Open(dir, sourceID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	path := Path(dir, sourceID)
	if err := repairTail(path); err != nil {
		return nil, fmt.Errorf("repairing %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Writer{path: path, file: f, buf: bufio.NewWriter(f)}, nil
}

// Path returns the file being written.
func (w *Writer) Path() string {
	return w.path
}

// Append encodes v as a single line.
func (w *Writer) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", w.path, err)
	}
	return nil
}

// Sync flushes buffered lines and fsyncs the file.
func (w *Writer) Sync() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", w.path, err)
	}
	return nil
}

// Close syncs and closes the file.
func (w *Writer) Close() error {
	syncErr := w.Sync()
	closeErr := w.file.Close()
	return errors.Join(syncErr, closeErr)
}

// Rotate renames an existing output file to <name>.<unix-ts>. It returns the
// new path, or "" when there was nothing to rotate.
func Rotate(dir, sourceID string, now time.Time) (string, error) {
	path := Path(dir, sourceID)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	rotated := path + "." + strconv.FormatInt(now.Unix(), 10)
	if err := os.Rename(path, rotated); err != nil {
		return "", fmt.Errorf("rotating %s: %w", path, err)
	}
	return rotated, nil
}

// ReadKeys returns the issue keys already present in the output file for
// sourceID. Unparsable lines are counted but otherwise ignored.
func ReadKeys(dir, sourceID string) (keys []string, bad int, err error) {
	f, err := os.Open(Path(dir, sourceID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return keys, bad, readErr
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if readErr != nil {
				return keys, bad, nil
			}
			continue
		}
		var head struct {
			Metadata struct {
				IssueKey string `json:"issue_key"`
			} `json:"metadata"`
		}
		if json.Unmarshal(line, &head) != nil || head.Metadata.IssueKey == "" {
			bad++
		} else {
			keys = append(keys, head.Metadata.IssueKey)
		}
		if readErr != nil {
			return keys, bad, nil
		}
	}
}

// CountLines counts newline-terminated lines in the output file for sourceID.
func CountLines(dir, sourceID string) (int, error) {
	f, err := os.Open(Path(dir, sourceID))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	r := bufio.NewReader(f)
	for {
		_, err := r.ReadSlice('\n')
		switch {
		case err == nil:
			n++
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			return n, nil
		default:
			return n, err
		}
	}
}

// repairTail truncates path back to its last newline.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := max(end-chunk, 0)
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		for i := n - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				keep := start + int64(i) + 1
				if keep == size {
					return nil
				}
				return f.Truncate(keep)
			}
		}
		end = start
	}
	return f.Truncate(0)
}
