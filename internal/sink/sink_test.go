package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwik-project/hwik/internal/config"
	"github.com/hwik-project/hwik/internal/domain/conflict"
)

func located() conflict.ConflictEventCandidate {
	lat, lon, cell := 11.6854, 76.132, "8861892a1bfffff"
	return conflict.ConflictEventCandidate{
		EventID:            "0f8c2a6e-4d9b-5c1a-9e7f-1a2b3c4d5e6f",
		DocumentIDs:        []string{"doc-a", "doc-b"},
		Species:            conflict.SpeciesElephant,
		SpeciesConfidence:  0.92,
		Lat:                &lat,
		Lon:                &lon,
		CellID:             &cell,
		CellResolution:     8,
		EventTime:          time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		LocationConfidence: 0.8,
		DedupGroupSize:     2,
		PlaceName:          "wayanad",
		District:           "Wayanad",
		SourceTypes:        []conflict.SourceType{conflict.SourceMedia, conflict.SourceNews},
	}
}

func unlocated() conflict.ConflictEventCandidate {
	return conflict.ConflictEventCandidate{
		EventID:        "11111111-2222-5333-8444-555555555555",
		DocumentIDs:    []string{"doc-c"},
		Species:        conflict.SpeciesUnknown,
		CellResolution: 8,
		EventTime:      time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC),
		DedupGroupSize: 1,
		SourceTypes:    []conflict.SourceType{conflict.SourceNews},
	}
}

func TestJSONL(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONL(&buf)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, located()))
	require.NoError(t, s.Write(ctx, unlocated()))
	require.NoError(t, s.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "8861892a1bfffff", first["cell_id"])
	assert.Equal(t, "elephant", first["species"])
	assert.Equal(t, float64(2), first["dedup_group_size"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Nil(t, second["cell_id"], "unlocated events carry explicit nulls")
	assert.Nil(t, second["lat"])
}

func TestJSONL_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewJSONL(&bytes.Buffer{}).Write(ctx, located()), context.Canceled)
}

func TestCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	s, err := OpenCSV(path, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, located()))
	require.NoError(t, s.Write(ctx, unlocated()))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, []string{
		"Wayanad", "wayanad", "elephant", "11.6854", "76.132", "8861892a1bfffff",
		"0f8c2a6e-4d9b-5c1a-9e7f-1a2b3c4d5e6f", "8", "2024-06-03T00:00:00Z", "0.92",
		"0.8", "2", "doc-a;doc-b", "media;news",
	}, rows[1])
	assert.Equal(t, "", rows[2][3])
	assert.Equal(t, "", rows[2][5])
	assert.Equal(t, "unknown", rows[2][2])
}

type fakePublisher struct {
	mu      sync.Mutex
	msgs    []*nats.Msg
	err     error
	flushed bool
	drained bool
}

func (p *fakePublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *fakePublisher) FlushTimeout(time.Duration) error { p.flushed = true; return nil }
func (p *fakePublisher) Drain() error                     { p.drained = true; return nil }

func TestNATS(t *testing.T) {
	pub := &fakePublisher{}
	s := newNATS(pub, "")

	require.NoError(t, s.Write(context.Background(), located()))
	require.NoError(t, s.Close())

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, DefaultNATSSubject, msg.Subject)
	assert.Equal(t, located().EventID, msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "elephant", msg.Header.Get("Hwik-Species"))

	var got conflict.ConflictEventCandidate
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, located(), got)
	assert.True(t, pub.flushed)
	assert.True(t, pub.drained)

	pub.err = errors.New("connection closed")
	assert.Error(t, s.Write(context.Background(), located()))
}

func TestOpenNATS_Unreachable(t *testing.T) {
	_, err := OpenNATS("nats://127.0.0.1:1", "", zerolog.Nop())
	assert.Error(t, err)
}

func TestHTTP_Batches(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]conflict.ConflictEventCandidate
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Events []conflict.ConflictEventCandidate `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		batches = append(batches, body.Events)
		mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(BatchResult{BatchID: "b1", EventsCreated: len(body.Events)})
	}))
	defer ts.Close()

	s := NewHTTP(ts.URL, "secret", zerolog.Nop())
	s.batchSize = 2
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, located()))
	assert.Empty(t, batches, "first event is buffered")
	require.NoError(t, s.Write(ctx, unlocated()))
	require.Len(t, batches, 1)
	require.NoError(t, s.Write(ctx, located()))
	require.NoError(t, s.Close())

	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)
	assert.Equal(t, located(), batches[1][0])
}

func TestHTTP_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: "slow down", wantErr: "429"},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", wantErr: "500"},
		{name: "bad json", status: http.StatusOK, body: "{", wantErr: "parse response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			s := NewHTTP(ts.URL, "", zerolog.Nop())
			require.NoError(t, s.Write(context.Background(), located()))
			err := s.Close()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOpen(t *testing.T) {
	var stdout bytes.Buffer

	s, err := Open(config.SinkConfig{Kind: "jsonl"}, &stdout, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), located()))
	require.NoError(t, s.Close())
	assert.Contains(t, stdout.String(), `"event_id"`)

	s, err = Open(config.SinkConfig{Kind: "http", HTTPURL: "http://example.invalid"}, &stdout, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, s)

	_, err = Open(config.SinkConfig{Kind: "kafka"}, &stdout, zerolog.Nop())
	var cfgErr *conflict.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestWritesStdout(t *testing.T) {
	assert.True(t, WritesStdout(config.SinkConfig{}))
	assert.True(t, WritesStdout(config.SinkConfig{Kind: "csv", Path: "-"}))
	assert.False(t, WritesStdout(config.SinkConfig{Kind: "jsonl", Path: "out.jsonl"}))
	assert.False(t, WritesStdout(config.SinkConfig{Kind: "nats"}))
	assert.False(t, WritesStdout(config.SinkConfig{Kind: "http"}))
}
