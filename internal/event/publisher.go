package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/models"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

type Publisher interface {
	PublishSessionEvent(ctx context.Context, event *SessionEvent) error
	PublishAnalysisEvent(ctx context.Context, event *AnalysisEvent) error
	PublishReviewEvent(ctx context.Context, event *ReviewEvent) error
	Close() error
}

type EventPublisher struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	enabled      bool
}

func NewEventPublisher(rabbitURI string) (*EventPublisher, error) {
	if rabbitURI == "" {
		log.Println("Warning: RabbitMQ URI is empty, event publishing is disabled")
		return &EventPublisher{
			enabled: false,
		}, nil
	}

	// Connect to RabbitMQ
	conn, err := amqp091.Dial(rabbitURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	// Create a channel
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Declare the exchange
	err = channel.ExchangeDeclare(
		ExchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &EventPublisher{
		conn:         conn,
		channel:      channel,
		exchangeName: ExchangeName,
		enabled:      true,
	}, nil
}

func (p *EventPublisher) publishEvent(ctx context.Context, routingKey string, event any) error {
	if !p.enabled {
		log.Printf("Event publishing is disabled, skipping event: %s", routingKey)
		return nil
	}

	// Convert event to JSON
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Create publishing context with timeout
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Publish the event
	err = p.channel.PublishWithContext(
		pubCtx,
		p.exchangeName, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Printf("Published event: %s", routingKey)
	return nil
}

func (p *EventPublisher) PublishSessionEvent(ctx context.Context, event *SessionEvent) error {
	return p.publishEvent(ctx, event.EventType, event)
}

func (p *EventPublisher) PublishAnalysisEvent(ctx context.Context, event *AnalysisEvent) error {
	return p.publishEvent(ctx, event.EventType, event)
}

func (p *EventPublisher) PublishReviewEvent(ctx context.Context, event *ReviewEvent) error {
	return p.publishEvent(ctx, event.EventType, event)
}

func (p *EventPublisher) Close() error {
	if !p.enabled {
		return nil
	}

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			log.Printf("Error closing RabbitMQ channel: %v", err)
		}
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("error closing RabbitMQ connection: %w", err)
		}
	}

	return nil
}

// Event factory functions

func CreateSessionSubmittedEvent(session *models.TestSession) *SessionEvent {
	return &SessionEvent{
		EventID:       uuid.New().String(),
		EventType:     EventTypeSessionSubmitted,
		SessionID:     session.ID.Hex(),
		TestID:        session.TestID.Hex(),
		BeneficiaryID: session.BeneficiaryID,
		State:         session.State,
		SubmittedAt:   session.SubmittedAt,
		Timestamp:     time.Now().Unix(),
	}
}

func CreateSessionScoredEvent(session *models.TestSession) *SessionEvent {
	event := &SessionEvent{
		EventID:       uuid.New().String(),
		EventType:     EventTypeSessionScored,
		SessionID:     session.ID.Hex(),
		TestID:        session.TestID.Hex(),
		BeneficiaryID: session.BeneficiaryID,
		State:         session.State,
		SubmittedAt:   session.SubmittedAt,
		Timestamp:     time.Now().Unix(),
	}
	if session.Score != nil {
		event.Percentage = session.Score.Percentage
		event.FullyGraded = session.Score.FullyGraded
	}
	return event
}

func CreateSessionFinalizedEvent(session *models.TestSession) *SessionEvent {
	event := &SessionEvent{
		EventID:       uuid.New().String(),
		EventType:     EventTypeSessionFinalized,
		SessionID:     session.ID.Hex(),
		TestID:        session.TestID.Hex(),
		BeneficiaryID: session.BeneficiaryID,
		State:         session.State,
		Timestamp:     time.Now().Unix(),
	}
	if session.Score != nil {
		event.Percentage = session.Score.Percentage
		event.FullyGraded = session.Score.FullyGraded
	}
	return event
}

func CreateAnalysisReadyEvent(analysis *models.AIAnalysis, requiresReview bool) *AnalysisEvent {
	return &AnalysisEvent{
		EventID:        uuid.New().String(),
		EventType:      EventTypeAnalysisReady,
		SessionID:      analysis.SessionID.Hex(),
		AnalysisID:     analysis.ID.Hex(),
		Generation:     analysis.Generation,
		Confidence:     analysis.Confidence,
		RequiresReview: requiresReview,
		Timestamp:      time.Now().Unix(),
	}
}

func CreateReviewDecidedEvent(verification *models.HumanVerification) *ReviewEvent {
	return &ReviewEvent{
		EventID:    uuid.New().String(),
		EventType:  EventTypeReviewDecided,
		AnalysisID: verification.AnalysisID.Hex(),
		SessionID:  verification.SessionID.Hex(),
		Decision:   verification.Decision,
		ReviewerID: verification.ReviewerID,
		Timestamp:  time.Now().Unix(),
	}
}
