package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/blockwarriors/arena/internal/domain"
	"github.com/nats-io/nats.go"
)

// Publisher sends start events to game servers subscribed over NATS
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// Connect dials a NATS server and returns a publisher for subject
func Connect(url, subject, name string) (*Publisher, error) {
	if url == "" {
		return nil, fmt.Errorf("NATS URL is required")
	}
	if subject == "" {
		return nil, fmt.Errorf("start subject is required")
	}

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(10),
		nats.ReconnectWait(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("Broker: disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("Broker: reconnected to NATS at %s", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			log.Printf("Broker: NATS error: %v", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	log.Printf("Broker: connected to NATS at %s, publishing starts on %s", conn.ConnectedUrl(), subject)
	return &Publisher{conn: conn, subject: subject}, nil
}

// Subject returns the subject start events are published on
func (p *Publisher) Subject() string {
	return p.subject
}

// PublishStart publishes a start event. Every subscriber receives every
// event and filters on MatchID.
func (p *Publisher) PublishStart(ctx context.Context, ev domain.StartMatchEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding start event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publishing start event: %w", err)
	}
	if _, ok := ctx.Deadline(); ok {
		if err := p.conn.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("flushing start event: %w", err)
		}
	}
	return nil
}

// SubscribeStarts calls fn for every start event on the subject. Malformed
// messages are logged and skipped.
func (p *Publisher) SubscribeStarts(fn func(domain.StartMatchEvent)) (*nats.Subscription, error) {
	return p.conn.Subscribe(p.subject, func(msg *nats.Msg) {
		var ev domain.StartMatchEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("Broker: skipping malformed start event: %v", err)
			return
		}
		fn(ev)
	})
}

// Close drains pending messages and closes the connection
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
