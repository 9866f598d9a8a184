package async

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/metrics"
)

// AMQP publishes jobs to a durable queue and consumes them. Undecodable
// messages are dead-lettered to "<queue>.dlq".
type AMQP struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	prefetch int
	log      *slog.Logger

	pubMu sync.Mutex
}

func DialAMQP(url, queueName string, prefetch int, log *slog.Logger) (*AMQP, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to broker: %v", common.ErrProviderUnavailable, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	a := &AMQP{conn: conn, ch: ch, queue: queueName, prefetch: prefetch, log: log}
	if err := a.declare(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *AMQP) dlq() string { return a.queue + ".dlq" }

func (a *AMQP) declare() error {
	if _, err := a.ch.QueueDeclare(a.dlq(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", a.dlq(), err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": a.dlq(),
	}
	if _, err := a.ch.QueueDeclare(a.queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare %s: %w", a.queue, err)
	}
	if err := a.ch.Qos(a.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

// Dispatch publishes a persistent job message for the entry.
func (a *AMQP) Dispatch(ctx context.Context, id uuid.UUID) error {
	body, err := json.Marshal(newJob(ctx, id))
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	a.pubMu.Lock()
	err = a.ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    id.String(),
	})
	a.pubMu.Unlock()
	if err != nil {
		metrics.RecordDispatchError("amqp")
		return fmt.Errorf("publish job: %w", err)
	}
	a.log.Debug("async.amqp.published", "entry_id", id, "queue", a.queue)
	return nil
}

// Consume runs handler for each delivery, at most prefetch at a time, until
// ctx is done or the channel closes.
func (a *AMQP) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := a.ch.Consume(a.queue, "records-worker", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", a.queue, err)
	}
	a.log.Info("async.amqp.consuming", "queue", a.queue, "prefetch", a.prefetch)

	sem := semaphore.NewWeighted(int64(a.prefetch))
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: delivery channel closed", common.ErrProviderUnavailable)
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				_ = d.Nack(false, true)
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				handleDelivery(ctx, a.log, handler, d)
			}()
		}
	}
}

// handleDelivery acks every decodable job: the run's outcome is recorded on
// the entry, and a lost dispatch is picked up again by the Scheduler.
func handleDelivery(ctx context.Context, log *slog.Logger, handler Handler, d amqp.Delivery) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil || job.EntryID == uuid.Nil {
		log.Error("async.amqp.bad_message", "message_id", d.MessageId, "err", err)
		if nerr := d.Nack(false, false); nerr != nil {
			log.Warn("async.amqp.nack_failed", "err", nerr)
		}
		return
	}
	if job.RequestID != "" {
		ctx = common.WithRequestID(ctx, job.RequestID)
	}
	err := handler.ProcessEntry(ctx, job.EntryID)
	logResult(log, job, err, "delivery_tag", d.DeliveryTag)
	if aerr := d.Ack(false); aerr != nil {
		log.Warn("async.amqp.ack_failed", "entry_id", job.EntryID, "err", aerr)
	}
}

func (a *AMQP) Close() error {
	if err := a.ch.Close(); err != nil {
		_ = a.conn.Close()
		return fmt.Errorf("close channel: %w", err)
	}
	if err := a.conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}
