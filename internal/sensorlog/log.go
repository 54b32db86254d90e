// Package sensorlog records sensor events to a line log and plays them back
// as a sensor source.
package sensorlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"compass-ng/internal/fusion"
)

// Log format: line-oriented text.
//
// - Blank lines and lines starting with '#' are ignored.
// - "START" resets the origin; the next record time is relative to 0 again.
// - Data lines are <t_ns>,<json> where t_ns is nanoseconds since START and
//   json is a fusion.Sample carrying its tier.

type Record struct {
	At time.Duration
	// Sample is nil for a START marker.
	Sample *fusion.Sample
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}

		tsStr, payload, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("sensorlog: line %d: missing comma", lineNo)
		}
		tsStr = strings.TrimSpace(tsStr)
		payload = strings.TrimSpace(payload)
		if tsStr == "" || payload == "" {
			return nil, fmt.Errorf("sensorlog: line %d: empty field", lineNo)
		}
		tsNs, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sensorlog: line %d: timestamp %q: %w", lineNo, tsStr, err)
		}
		if tsNs < 0 {
			return nil, fmt.Errorf("sensorlog: line %d: negative timestamp %d", lineNo, tsNs)
		}

		var sample fusion.Sample
		if err := json.Unmarshal([]byte(payload), &sample); err != nil {
			return nil, fmt.Errorf("sensorlog: line %d: payload: %w", lineNo, err)
		}
		if _, ok := fusion.ParseKind(sample.Kind); !ok {
			return nil, fmt.Errorf("sensorlog: line %d: unknown kind %q", lineNo, sample.Kind)
		}
		recs = append(recs, Record{At: time.Duration(tsNs), Sample: &sample})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ReadFile reads a whole log from disk.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

// Writer appends events to a log. It is safe for concurrent use since
// every active tier writes through the same writer.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: time.Now()}, nil
}

func (ww *Writer) WriteEvent(now time.Time, ev fusion.Event) error {
	b, err := json.Marshal(fusion.SampleOf(ev))
	if err != nil {
		return err
	}

	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("sensorlog: writer is closed")
	}
	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	_, err = fmt.Fprintf(ww.w, "%d,%s\n", d.Nanoseconds(), b)
	return err
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}
