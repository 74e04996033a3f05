package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/npezzotti/go-messenger/internal/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSubjectPrefix = "messenger"

	kindRoom     = "room"
	kindUser     = "user"
	kindPresence = "presence"
)

var tracer = otel.Tracer("github.com/npezzotti/go-messenger/internal/pubsub")

// Connect opens a NATS connection that keeps reconnecting for the life of
// the process.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// envelope carries one outbound event between processes. Target is the room
// key or user id the event is addressed to.
type envelope struct {
	Target  string                `json:"target"`
	Skip    string                `json:"skip,omitempty"`
	Message *server.ServerMessage `json:"message"`
}

// NatsDeliverer fans events out through NATS so that every process delivers
// them to the connections it holds. Each process subscribes to all events
// and hands them to its local deliverer, including the ones it published.
// Events on one subject arrive in publish order.
type NatsDeliverer struct {
	log    *log.Logger
	nc     *nats.Conn
	local  server.Deliverer
	prefix string

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNatsDeliverer(logger *log.Logger, nc *nats.Conn, local server.Deliverer, prefix string) *NatsDeliverer {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	return &NatsDeliverer{
		log:    logger,
		nc:     nc,
		local:  local,
		prefix: prefix,
	}
}

// Start subscribes to the room, user and presence subjects.
func (d *NatsDeliverer) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	handlers := map[string]func(envelope){
		kindRoom: func(e envelope) { d.local.DeliverRoom(e.Target, e.Message, e.Skip) },
		kindUser: func(e envelope) { d.local.DeliverUser(e.Target, e.Message) },
		kindPresence: func(e envelope) {
			d.local.DeliverWatchers(e.Target, e.Message)
		},
	}

	for kind, deliver := range handlers {
		subject := d.prefix + "." + kind + ".*"
		sub, err := d.nc.Subscribe(subject, d.handler(kind, deliver))
		if err != nil {
			d.unsubscribe()
			return fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		d.subs = append(d.subs, sub)
	}

	d.log.Printf("delivering events through nats subjects %s.>", d.prefix)
	return d.nc.Flush()
}

// Close stops receiving events. The connection is left open.
func (d *NatsDeliverer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.unsubscribe()
}

func (d *NatsDeliverer) unsubscribe() {
	for _, sub := range d.subs {
		if err := sub.Unsubscribe(); err != nil {
			d.log.Printf("unsubscribe %s: %v", sub.Subject, err)
		}
	}
	d.subs = nil
}

func (d *NatsDeliverer) DeliverRoom(roomKey string, msg *server.ServerMessage, skipUserId string) {
	if err := d.publish(kindRoom, envelope{Target: roomKey, Skip: skipUserId, Message: msg}); err != nil {
		d.log.Printf("publish to room %q: %v, delivering locally", roomKey, err)
		d.local.DeliverRoom(roomKey, msg, skipUserId)
	}
}

func (d *NatsDeliverer) DeliverUser(userId string, msg *server.ServerMessage) {
	if err := d.publish(kindUser, envelope{Target: userId, Message: msg}); err != nil {
		d.log.Printf("publish to user %q: %v, delivering locally", userId, err)
		d.local.DeliverUser(userId, msg)
	}
}

func (d *NatsDeliverer) DeliverWatchers(userId string, msg *server.ServerMessage) {
	if err := d.publish(kindPresence, envelope{Target: userId, Message: msg}); err != nil {
		d.log.Printf("publish presence of %q: %v, delivering locally", userId, err)
		d.local.DeliverWatchers(userId, msg)
	}
}

func (d *NatsDeliverer) publish(kind string, e envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := d.subject(kind, e.Target)
	ctx, span := tracer.Start(context.Background(), subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.Int("messaging.message.payload_size_bytes", len(data)),
		),
	)
	defer span.End()

	err = d.nc.PublishMsg(&nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  injectContext(ctx),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *NatsDeliverer) handler(kind string, deliver func(envelope)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx := extractContext(context.Background(), msg.Header)
		_, span := tracer.Start(ctx, "deliver "+kind,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "nats"),
				attribute.String("messaging.destination.name", msg.Subject),
			),
		)
		defer span.End()

		var e envelope
		if err := json.Unmarshal(msg.Data, &e); err != nil || e.Message == nil {
			d.log.Printf("invalid event on %s: %v", msg.Subject, err)
			span.SetStatus(codes.Error, "invalid event")
			return
		}

		deliver(e)
	}
}

func (d *NatsDeliverer) subject(kind, target string) string {
	return d.prefix + "." + kind + "." + subjectToken(target)
}

// subjectToken makes target usable as a single subject token. The exact
// target travels in the envelope.
func subjectToken(target string) string {
	if target == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, target)
}

// natsHeaderCarrier adapts nats.Header to propagation.TextMapCarrier.
type natsHeaderCarrier struct {
	header nats.Header
}

func (c *natsHeaderCarrier) Get(key string) string {
	return c.header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, value string) {
	c.header.Set(key, value)
}

func (c *natsHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.header))
	for k := range c.header {
		keys = append(keys, k)
	}
	return keys
}

func injectContext(ctx context.Context) nats.Header {
	h := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, &natsHeaderCarrier{header: h})
	return h
}

func extractContext(ctx context.Context, header nats.Header) context.Context {
	if header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, &natsHeaderCarrier{header: header})
}
