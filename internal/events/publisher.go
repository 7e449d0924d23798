// Package events publishes delivery outcomes to RabbitMQ for the
// downstream consumers of chat state (analytics, campaign tooling).
// Publishing is best effort and never fails the delivery path.
package events

import (
	"encoding/json"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/models"
)

// Publisher owns the AMQP connection. A Publisher constructed without
// an URL is disabled and every publish is a no-op.
type Publisher struct {
	mu        sync.Mutex
	conn      *amqp091.Connection
	channel   *amqp091.Channel
	queueName string
	enabled   bool
}

// NewPublisher connects to RabbitMQ when url is set. Connection
// failures disable publishing rather than failing startup.
func NewPublisher(url, queueName string) *Publisher {
	p := &Publisher{queueName: queueName}

	if url == "" {
		log.Info().Msg("AMQP_URL is not set, delivery event publishing disabled")
		return p
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ, delivery event publishing disabled")
		return p
	}
	channel, err := conn.Channel()
	if err != nil {
		log.Error().Err(err).Msg("Could not open RabbitMQ channel, delivery event publishing disabled")
		conn.Close()
		return p
	}

	p.conn = conn
	p.channel = channel
	p.enabled = true
	log.Info().Str("queue", queueName).Msg("RabbitMQ connection established")
	return p
}

// PublishOutcome publishes one delivery outcome to the durable queue.
func (p *Publisher) PublishOutcome(outcome models.DeliveryOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}

	data, err := json.Marshal(outcome)
	if err != nil {
		log.Error().Err(err).Str("messageID", outcome.MessageID).Msg("Failed to marshal delivery outcome")
		return
	}

	// Declare is idempotent.
	if _, err := p.channel.QueueDeclare(p.queueName, true, false, false, false, nil); err != nil {
		log.Error().Err(err).Str("queue", p.queueName).Msg("Could not declare RabbitMQ queue")
		return
	}

	err = p.channel.Publish("", p.queueName, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        data,
	})
	if err != nil {
		log.Error().Err(err).
			Str("queue", p.queueName).
			Str("messageID", outcome.MessageID).
			Msg("Could not publish delivery outcome")
		return
	}

	log.Debug().
		Str("queue", p.queueName).
		Str("messageID", outcome.MessageID).
		Str("status", string(outcome.Status)).
		Msg("Published delivery outcome")
}

// Close releases the AMQP connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	p.enabled = false
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
