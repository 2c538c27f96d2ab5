package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

// DefaultNATSSubject is used when no subject is configured.
const DefaultNATSSubject = "hwik.conflict.events"

const natsFlushTimeout = 10 * time.Second

// publisher is the part of *nats.Conn the sink uses.
type publisher interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// NATS publishes each event as JSON. The Nats-Msg-Id header carries the
// event id so JetStream streams drop redeliveries of the same event.
type NATS struct {
	conn    publisher
	subject string
}

// OpenNATS connects to url.
func OpenNATS(url, subject string, logger zerolog.Logger) (*NATS, error) {
	log := logger.With().Str("component", "nats_sink").Logger()
	conn, err := nats.Connect(url,
		nats.Name("hwik-miner"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATS(conn, subject), nil
}

func newNATS(conn publisher, subject string) *NATS {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATS{conn: conn, subject: subject}
}

func (s *NATS) Write(ctx context.Context, ev conflict.ConflictEventCandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}
	msg := &nats.Msg{
		Subject: s.subject,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, ev.EventID)
	msg.Header.Set("Hwik-Species", string(ev.Species))
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.EventID, err)
	}
	return nil
}

// Close flushes buffered messages and drains the connection.
func (s *NATS) Close() error {
	if err := s.conn.FlushTimeout(natsFlushTimeout); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return s.conn.Drain()
}
