package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// DeclareQueues declares the intake queue and its dead-letter queue. Nacked
// messages land in <queue>.dlq.
func DeclareQueues(ch *amqp.Channel, queue string) error {
	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dlq, err)
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	})
	if err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	return nil
}

type Consumer struct {
	ch          *amqp.Channel
	queue       string
	concurrency int
	handler     *Handler
	timeout     time.Duration
}

func NewConsumer(ch *amqp.Channel, queue string, concurrency int, h *Handler) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{ch: ch, queue: queue, concurrency: concurrency, handler: h, timeout: 15 * time.Second}
}

// Run consumes until ctx is done or the broker closes the delivery channel.
// In-flight messages are finished before it returns.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	log.Info().Str("queue", c.queue).Int("concurrency", c.concurrency).Msg("intake consumer started")

	jobs := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.process(ctx, workerID, d)
			}
		}(i)
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("intake consumer shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

// process acks handled messages. Malformed ones and second failures are
// dead-lettered; a first transient failure is requeued once.
func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery) {
	start := time.Now()
	a, err := Decode(d.Body)
	if err == nil {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		_, err = c.handler.Handle(hctx, a)
		cancel()
	}
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Warn().Err(ackErr).Int("worker", workerID).Msg("intake ack")
		}
		log.Debug().Int("worker", workerID).Uint("brand_id", a.BrandID).Uint("influencer_id", a.InfluencerID).
			Dur("cost", time.Since(start)).Msg("acceptance handled")
		return
	}

	requeue := !errors.Is(err, ErrMalformed) && !d.Redelivered
	log.Error().Err(err).Int("worker", workerID).Bool("requeue", requeue).
		Dur("cost", time.Since(start)).Msg("acceptance failed")
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		log.Warn().Err(nackErr).Int("worker", workerID).Msg("intake nack")
	}
}

// Publisher sends acceptances to the intake queue.
type Publisher struct {
	ch    *amqp.Channel
	queue string
}

func NewPublisher(ch *amqp.Channel, queue string) *Publisher {
	return &Publisher{ch: ch, queue: queue}
}

func (p *Publisher) Publish(ctx context.Context, a Acceptance) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.ch.PublishWithContext(cctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
}
