package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"concierge-sync/internal/domain"
)

var (
	// ErrAlreadySubscribed is returned when a conversation already has an
	// unreleased subscription.
	ErrAlreadySubscribed = errors.New("realtime: conversation already subscribed")
	// ErrClosed is the reason reported by a subscription released by its owner.
	ErrClosed = errors.New("realtime: subscription closed")
)

// Listener opens push subscriptions scoped to one conversation id. It allows
// at most one active subscription per conversation.
type Listener struct {
	open     ChannelOpener
	exchange string
	log      *slog.Logger

	mu     sync.Mutex
	active map[string]*Subscription
}

func NewListener(open ChannelOpener, exchange string, logger *slog.Logger) (*Listener, error) {
	if open == nil {
		return nil, errors.New("realtime: channel opener must not be nil")
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		open:     open,
		exchange: exchange,
		log:      logger,
		active:   make(map[string]*Subscription),
	}, nil
}

// Subscription is the handle of one live subscription. Delivery stops when
// Close is called, the subscribing context ends, or the transport drops; no
// reconnect is attempted.
type Subscription struct {
	listener       *Listener
	conversationID string
	cancel         context.CancelFunc
	done           chan struct{}
	once           sync.Once

	mu  sync.Mutex
	err error
}

// Done is closed once delivery has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why delivery stopped: ErrClosed, a context error, or the
// transport error. It is nil while the subscription is live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ConversationID returns the conversation the subscription is scoped to.
func (s *Subscription) ConversationID() string { return s.conversationID }

// Stop ends delivery and frees the conversation's slot without waiting for
// the delivery goroutine. It is safe to call from inside onInsert.
func (s *Subscription) Stop() {
	s.once.Do(func() {
		s.setErr(ErrClosed)
		s.cancel()
		s.listener.release(s)
	})
}

// Close stops the subscription and waits for the delivery goroutine to
// exit. It must not be called from inside onInsert; use Stop there.
func (s *Subscription) Close() {
	s.Stop()
	<-s.done
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Subscribe forwards every committed message row of conversationID to
// onInsert, one at a time, on a dedicated goroutine.
func (l *Listener) Subscribe(ctx context.Context, conversationID string, onInsert func(domain.Message)) (*Subscription, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("realtime: Subscribe: conversation id is required")
	}
	if onInsert == nil {
		return nil, errors.New("realtime: Subscribe: onInsert must not be nil")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		listener:       l,
		conversationID: conversationID,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	l.mu.Lock()
	if _, ok := l.active[conversationID]; ok {
		l.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("realtime: Subscribe %q: %w", conversationID, ErrAlreadySubscribed)
	}
	l.active[conversationID] = sub
	l.mu.Unlock()

	ch, deliveries, err := l.setup(conversationID)
	if err != nil {
		l.release(sub)
		cancel()
		return nil, fmt.Errorf("realtime: Subscribe %q: %w", conversationID, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	l.log.DebugContext(ctx, "realtime subscribed", "conversation_id", conversationID)
	go l.run(subCtx, sub, ch, deliveries, closed, onInsert)
	return sub, nil
}

func (l *Listener) setup(conversationID string) (Channel, <-chan amqp.Delivery, error) {
	ch, err := l.open()
	if err != nil {
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	fail := func(step string, err error) (Channel, <-chan amqp.Delivery, error) {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := declareExchange(ch, l.exchange); err != nil {
		return fail("declare exchange", err)
	}
	// Server-named, exclusive, auto-delete: the queue lives as long as the channel.
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(conversationID), l.exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}
	deliveries, err := ch.Consume(q.Name, "sub-"+uuid.NewString(), true, true, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}
	return ch, deliveries, nil
}

func (l *Listener) run(ctx context.Context, sub *Subscription, ch Channel, deliveries <-chan amqp.Delivery, closed chan *amqp.Error, onInsert func(domain.Message)) {
	defer func() {
		_ = ch.Close()
		l.release(sub)
		close(sub.done)
	}()

	for {
		select {
		case <-ctx.Done():
			sub.setErr(ctx.Err())
			return

		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				amqpErr = &amqp.Error{Reason: "channel closed"}
			}
			sub.setErr(amqpErr)
			l.log.Warn("realtime channel dropped", "conversation_id", sub.conversationID, "err", amqpErr)
			return

		case d, ok := <-deliveries:
			if !ok {
				sub.setErr(errors.New("realtime: delivery stream ended"))
				return
			}
			msg, err := decodeDelivery(d)
			if err != nil {
				l.log.Warn("realtime delivery skipped", "conversation_id", sub.conversationID, "err", err)
				continue
			}
			if msg.ConversationID != sub.conversationID {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			onInsert(msg)
		}
	}
}

func (l *Listener) release(sub *Subscription) {
	l.mu.Lock()
	if l.active[sub.conversationID] == sub {
		delete(l.active, sub.conversationID)
	}
	l.mu.Unlock()
}

// Active reports whether conversationID has a live subscription.
func (l *Listener) Active(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[conversationID]
	return ok
}

func decodeDelivery(d amqp.Delivery) (domain.Message, error) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return domain.Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Meta.Type != "" && env.Meta.Type != EventMessageInserted {
		return domain.Message{}, fmt.Errorf("unexpected event type %q", env.Meta.Type)
	}
	if env.Data.ID == "" {
		return domain.Message{}, errors.New("envelope data missing id")
	}
	return env.Data.message(), nil
}
