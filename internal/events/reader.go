package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Filter selects a subset of the event log. Zero-valued fields do not
// constrain the result.
type Filter struct {
	Type     string    // match events with this Type
	Actor    string    // match events with this Actor
	Since    time.Time // match events at or after this time
	AfterSeq uint64    // match events with Seq > AfterSeq (0 = no filter)
}

// matches reports whether e passes every non-zero constraint. Shared by
// the file-backed and in-memory providers so both answer List queries
// identically.
func (f Filter) matches(e Event) bool {
	if f.AfterSeq > 0 && e.Seq <= f.AfterSeq {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && e.Ts.Before(f.Since) {
		return false
	}
	return true
}

// scanEvents streams every parseable event in the JSONL log at path to
// fn. Malformed lines (partial writes from a crashed recorder) are
// skipped rather than failing the scan, and a missing file is an empty
// log, not an error — the prompt-adjacent readers must stay quiet on a
// cluster that has never recorded anything.
func scanEvents(path string, fn func(Event)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading events: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if json.Unmarshal(scanner.Bytes(), &e) == nil {
			fn(e)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning events: %w", err)
	}
	return nil
}

// ReadAll reads every event in the log at path. Returns (nil, nil) if
// the file is missing or empty.
func ReadAll(path string) ([]Event, error) {
	var out []Event
	if err := scanEvents(path, func(e Event) { out = append(out, e) }); err != nil {
		return out, err
	}
	return out, nil
}

// ReadFiltered reads the events at path matching every non-zero field
// of filter. Returns (nil, nil) if the file is missing or nothing
// matches.
func ReadFiltered(path string, filter Filter) ([]Event, error) {
	var out []Event
	err := scanEvents(path, func(e Event) {
		if filter.matches(e) {
			out = append(out, e)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadLatestSeq returns the highest Seq in the log at path, or 0 if the
// file is missing or empty.
func ReadLatestSeq(path string) (uint64, error) {
	var maxSeq uint64
	err := scanEvents(path, func(e Event) {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	})
	return maxSeq, err
}

// ReadFrom reads events starting at the given byte offset, for pollers
// (the file watcher) that track their position between calls. Returns
// the events read, the byte offset after the last complete line, and
// any error; a missing file yields (nil, offset, nil) so a watcher can
// start before the first event is ever recorded. Malformed lines are
// skipped but still advance the offset.
func ReadFrom(path string, offset int64) ([]Event, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("reading events: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seeking events: %w", err)
	}

	var result []Event
	var bytesRead int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		bytesRead += int64(len(line)) + 1 // +1 for the newline
		var e Event
		if json.Unmarshal(line, &e) == nil {
			result = append(result, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return result, offset + bytesRead, fmt.Errorf("scanning events: %w", err)
	}
	return result, offset + bytesRead, nil
}
