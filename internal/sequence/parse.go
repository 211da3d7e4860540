package sequence

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/signalreplay/internal/event"
)

// Column order of a sequence file.
const (
	colField = iota
	colSignal
	colValue
	colDelay
	numColumns
)

// ErrMalformed is matched by every ParseError.
var ErrMalformed = errors.New("malformed sequence")

// ParseError describes why a sequence source was rejected.
type ParseError struct {
	Line   int // 0 when the error is not tied to a record
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed sequence: line %d: %s", e.Line, e.Reason)
	}
	return "malformed sequence: " + e.Reason
}

func (e *ParseError) Is(target error) bool { return target == ErrMalformed }

// Parse reads a comma-separated sequence: a header row (discarded) followed by
// records of field, signal, value, delay. Any bad record fails the whole load.
// The field token must be exactly "current" or "target"; blanks around the
// signal path and the delay are ignored.
func Parse(r io.Reader) (event.Sequence, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var seq event.Sequence
	header := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &ParseError{Line: pe.Line, Reason: pe.Err.Error()}
			}
			return nil, fmt.Errorf("read sequence: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if header {
			header = false
			continue
		}
		ev, err := parseRecord(rec, line)
		if err != nil {
			return nil, err
		}
		seq = append(seq, ev)
	}
	if len(seq) == 0 {
		return nil, &ParseError{Reason: "no records after header"}
	}
	return seq, nil
}

func parseRecord(rec []string, line int) (event.Event, error) {
	if len(rec) != numColumns {
		return event.Event{}, &ParseError{Line: line, Reason: fmt.Sprintf("expected %d fields, got %d", numColumns, len(rec))}
	}
	kind, err := event.ParseFieldKind(rec[colField])
	if err != nil {
		return event.Event{}, &ParseError{Line: line, Reason: err.Error()}
	}
	path := strings.TrimSpace(rec[colSignal])
	if path == "" {
		return event.Event{}, &ParseError{Line: line, Reason: "signal path is empty"}
	}
	delay, err := parseDelay(rec[colDelay])
	if err != nil {
		return event.Event{}, &ParseError{Line: line, Reason: err.Error()}
	}
	return event.Event{
		Field: kind,
		Path:  path,
		Raw:   rec[colValue],
		Value: event.Infer(rec[colValue]),
		Delay: delay,
		Line:  line,
	}, nil
}

// parseDelay accepts a non-negative number of seconds, fractions allowed.
func parseDelay(s string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("delay %q is not a number", s)
	}
	if secs < 0 {
		return 0, fmt.Errorf("delay %q is negative", s)
	}
	if secs > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("delay %q is too large", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// LoadFile parses the sequence file at path.
func LoadFile(path string) (event.Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sequence %s: %w", path, err)
	}
	defer f.Close()
	seq, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load sequence %s: %w", path, err)
	}
	return seq, nil
}
