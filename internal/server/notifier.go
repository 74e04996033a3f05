package server

import (
	"context"
	"log"
	"sync"

	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/stats"
	"github.com/npezzotti/go-messenger/internal/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	NotificationTypeMessage = "message"

	defaultNotificationWorkers = 4
	notificationQueueSize      = 1024
)

// Notifier creates durable notifications off the send path with a fixed
// pool of workers. Failures are logged and never reported to the sender.
type Notifier struct {
	log     *log.Logger
	db      database.MessengerRepository
	stats   stats.StatsProvider
	tracer  trace.Tracer
	workers int
	jobs    chan database.CreateNotificationParams
	deliver Deliverer
	wg      sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

func NewNotifier(logger *log.Logger, db database.MessengerRepository, su stats.StatsProvider, workers int) *Notifier {
	if workers <= 0 {
		workers = defaultNotificationWorkers
	}

	return &Notifier{
		log:     logger,
		db:      db,
		stats:   su,
		tracer:  otel.Tracer("github.com/npezzotti/go-messenger/internal/server"),
		workers: workers,
		jobs:    make(chan database.CreateNotificationParams, notificationQueueSize),
	}
}

// Start launches the workers. Created notifications are pushed live
// through d.
func (n *Notifier) Start(d Deliverer) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return
	}
	n.running = true
	n.deliver = d

	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for params := range n.jobs {
				n.create(params)
			}
		}()
	}
}

// Enqueue schedules a notification without blocking. It reports false if
// the queue is full or the notifier is stopped.
func (n *Notifier) Enqueue(params database.CreateNotificationParams) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.running {
		n.log.Printf("notifier stopped, dropping notification for %q", params.RecipientId)
		return false
	}

	select {
	case n.jobs <- params:
		return true
	default:
		n.log.Printf("notification queue full, dropping notification for %q", params.RecipientId)
		return false
	}
}

// Stop waits for queued notifications to be created.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.jobs)
	n.mu.Unlock()

	n.wg.Wait()
}

func (n *Notifier) create(params database.CreateNotificationParams) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	ctx, span := n.tracer.Start(ctx, "Notifier.create", trace.WithAttributes(
		attribute.String("chat.recipient", params.RecipientId),
		attribute.String("chat.message", params.MessageId),
	))
	defer span.End()

	created, err := n.db.CreateNotification(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.log.Printf("CreateNotification for %q: %v", params.RecipientId, err)
		return
	}
	n.stats.Incr(NumNotificationsCreated)

	n.deliver.DeliverUser(params.RecipientId, notificationNew(types.Notification{
		Id:          created.Id,
		RecipientId: created.RecipientId,
		SenderId:    created.SenderId,
		Type:        created.Type,
		Title:       created.Title,
		Content:     created.Content,
		Room:        created.Room,
		MessageId:   created.MessageId,
		IsRead:      created.IsRead,
		CreatedAt:   created.CreatedAt,
	}))
}
