package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"concierge-sync/internal/domain"
)

var (
	newEventID = func() string { return uuid.NewString() }
	eventTime  = func() time.Time { return time.Now().UTC() }
)

// Publisher fans committed message rows out to conversation subscribers.
type Publisher struct {
	ch       Channel
	exchange string
	producer string
	log      *slog.Logger

	mu sync.Mutex
}

func NewPublisher(ch Channel, exchange, producer string, logger *slog.Logger) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("realtime: channel must not be nil")
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := declareExchange(ch, exchange); err != nil {
		return nil, fmt.Errorf("realtime: declare exchange %q: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange, producer: producer, log: logger}, nil
}

// PublishInsert announces one committed message row.
func (p *Publisher) PublishInsert(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("realtime: PublishInsert: message id and conversation id are required")
	}

	env := Envelope{
		Meta: Meta{
			ID:            newEventID(),
			CorrelationID: msg.CorrelationID,
			Producer:      p.producer,
			Time:          eventTime(),
			Type:          EventMessageInserted,
		},
		Data: rowFromMessage(msg),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("realtime: PublishInsert: marshal: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(msg.ConversationID), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     env.Meta.Time,
		Type:          EventMessageInserted,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("realtime: PublishInsert %s: %w", msg.ID, err)
	}
	p.log.DebugContext(ctx, "message insert published", "conversation_id", msg.ConversationID, "message_id", msg.ID)
	return nil
}
