package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

// openOutput returns stdout for an empty path or "-", else a new file.
func openOutput(path string, stdout io.Writer) (io.Writer, io.Closer, error) {
	if path == "" || path == "-" {
		return stdout, nil, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create sink file: %w", err)
	}
	return f, f, nil
}

// JSONL writes one JSON object per line.
type JSONL struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

// NewJSONL writes to w.
func NewJSONL(w io.Writer) *JSONL {
	return &JSONL{enc: json.NewEncoder(w)}
}

// OpenJSONL writes to path, or stdout when path is empty or "-".
func OpenJSONL(path string, stdout io.Writer) (*JSONL, error) {
	w, c, err := openOutput(path, stdout)
	if err != nil {
		return nil, err
	}
	s := NewJSONL(w)
	s.closer = c
	return s, nil
}

func (s *JSONL) Write(ctx context.Context, ev conflict.ConflictEventCandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("write event %s: %w", ev.EventID, err)
	}
	return nil
}

func (s *JSONL) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// CSVHeader keeps the columns of the geocoded conflict location sheet
// (district, place, conflict, lat, long, grid_id) and appends the event
// fields.
var CSVHeader = []string{
	"district", "place", "conflict", "lat", "long", "grid_id",
	"event_id", "cell_resolution", "event_time", "species_confidence",
	"location_confidence", "dedup_group_size", "document_ids", "source_types",
}

// CSV writes events as rows under CSVHeader.
type CSV struct {
	mu          sync.Mutex
	w           *csv.Writer
	closer      io.Closer
	wroteHeader bool
}

// NewCSV writes to w.
func NewCSV(w io.Writer) *CSV {
	return &CSV{w: csv.NewWriter(w)}
}

// OpenCSV writes to path, or stdout when path is empty or "-".
func OpenCSV(path string, stdout io.Writer) (*CSV, error) {
	w, c, err := openOutput(path, stdout)
	if err != nil {
		return nil, err
	}
	s := NewCSV(w)
	s.closer = c
	return s, nil
}

func (s *CSV) Write(ctx context.Context, ev conflict.ConflictEventCandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wroteHeader {
		if err := s.w.Write(CSVHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		s.wroteHeader = true
	}

	sources := make([]string, len(ev.SourceTypes))
	for i, st := range ev.SourceTypes {
		sources[i] = string(st)
	}
	row := []string{
		ev.District,
		ev.PlaceName,
		string(ev.Species),
		optFloat(ev.Lat),
		optFloat(ev.Lon),
		optString(ev.CellID),
		ev.EventID,
		strconv.Itoa(ev.CellResolution),
		ev.EventTime.UTC().Format(time.RFC3339),
		strconv.FormatFloat(ev.SpeciesConfidence, 'f', -1, 64),
		strconv.FormatFloat(ev.LocationConfidence, 'f', -1, 64),
		strconv.Itoa(ev.DedupGroupSize),
		strings.Join(ev.DocumentIDs, ";"),
		strings.Join(sources, ";"),
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write event %s: %w", ev.EventID, err)
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSV) Close() error {
	s.mu.Lock()
	s.w.Flush()
	err := s.w.Error()
	s.mu.Unlock()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func optString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
