package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to the command subjects and feeds raw messages
// into the shell's parse loop via eventChan. NATS JetStream is the host
// adapter's ingestion surface; keeper and config commands are injected
// in-process and never cross the wire.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
}

// RawEvent is the received-but-untyped command from NATS, ready for the
// shell to parse into a typed event.Event before sending to the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful hand-off
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps one command subject to its event type. Subjects that
// share a ConsumerName share one durable consumer, which keeps their
// relative delivery order intact. Deposits and withdrawals carry one
// interleaved source sequence from the host, so they must not be split
// across consumers.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the host command subjects.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "ladder.cmd.funds.deposit", EventType: "FundsDeposited", ConsumerName: "ladder-funds", StreamName: "LADDER_COMMANDS"},
		{Subject: "ladder.cmd.funds.withdraw", EventType: "WithdrawalRequested", ConsumerName: "ladder-funds", StreamName: "LADDER_COMMANDS"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
	}
}

// Subscribe creates one durable JetStream consumer per ConsumerName, with
// the group's subjects as filters. Consumers use explicit ACK,
// max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	type group struct {
		streamName string
		filters    []string
	}
	groups := make(map[string]*group)
	order := make([]string, 0, len(subjects))

	for _, cfg := range subjects {
		g, ok := groups[cfg.ConsumerName]
		if !ok {
			g = &group{streamName: cfg.StreamName}
			groups[cfg.ConsumerName] = g
			order = append(order, cfg.ConsumerName)
		}
		if g.streamName != cfg.StreamName {
			return fmt.Errorf("consumer %s spans streams %s and %s", cfg.ConsumerName, g.streamName, cfg.StreamName)
		}
		g.filters = append(g.filters, cfg.Subject)
	}

	for _, name := range order {
		g := groups[name]
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, g.streamName, jetstream.ConsumerConfig{
			Durable:        name,
			FilterSubjects: g.filters,
			AckPolicy:      jetstream.AckExplicitPolicy,
			AckWait:        30 * time.Second,
			MaxDeliver:     5,
			DeliverPolicy:  jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", name, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
				// Queued for parsing; the parse loop acks after hand-off to the core
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", name, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed %s (filters=%v)", name, g.filters)
	}

	return nil
}

// EnsureStreams creates the command stream if it doesn't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "LADDER_COMMANDS",
			Subjects:  []string{"ladder.cmd.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
