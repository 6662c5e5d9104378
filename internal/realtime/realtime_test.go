package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge-sync/internal/domain"
)

type fakeChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	notify     chan *amqp.Error
	closed     bool
	bindings   []string
	published  []amqp.Publishing
	keys       []string

	exchangeErr error
	consumeErr  error
	publishErr  error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return f.exchangeErr
}

func (f *fakeChannel) QueueDeclare(string, bool, bool, bool, bool, amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: "amq.gen-test"}, nil
}

func (f *fakeChannel) QueueBind(_, key, _ string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, key)
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = receiver
	return receiver
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func openerFor(chs ...*fakeChannel) ChannelOpener {
	var mu sync.Mutex
	i := 0
	return func() (Channel, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(chs) {
			return nil, errors.New("no channel")
		}
		ch := chs[i]
		i++
		return ch, nil
	}
}

func delivery(t *testing.T, row MessageRow) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(Envelope{Meta: Meta{ID: "evt", Type: EventMessageInserted}, Data: row})
	require.NoError(t, err)
	return amqp.Delivery{Body: body}
}

type collector struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (c *collector) add(m domain.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) snapshot() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.msgs...)
}

func TestNewListener_Validation(t *testing.T) {
	_, err := NewListener(nil, "", nil)
	require.Error(t, err)

	l, err := NewListener(openerFor(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultExchange, l.exchange)
}

func TestSubscribe_ForwardsConversationRows(t *testing.T) {
	ch := newFakeChannel()
	l, err := NewListener(openerFor(ch), "", nil)
	require.NoError(t, err)

	var got collector
	sub, err := l.Subscribe(context.Background(), "c1", got.add)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, []string{"messages.insert.c1"}, ch.bindings)

	ch.deliveries <- amqp.Delivery{Body: []byte("not json")}
	ch.deliveries <- delivery(t, MessageRow{ID: "m0", ConversationID: "other", Sender: "member", Text: "x"})
	ch.deliveries <- delivery(t, MessageRow{ID: "m1", ConversationID: "c1", Sender: "member", Text: "Hello", CorrelationID: "corr-1"})

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	msg := got.snapshot()[0]
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, domain.SenderMember, msg.Sender)
	assert.Equal(t, "corr-1", msg.CorrelationID)
}

func TestSubscribe_OnePerConversation(t *testing.T) {
	first, second := newFakeChannel(), newFakeChannel()
	l, err := NewListener(openerFor(first, second), "", nil)
	require.NoError(t, err)

	sub, err := l.Subscribe(context.Background(), "c1", func(domain.Message) {})
	require.NoError(t, err)
	assert.True(t, l.Active("c1"))

	_, err = l.Subscribe(context.Background(), "c1", func(domain.Message) {})
	require.ErrorIs(t, err, ErrAlreadySubscribed)

	sub.Close()
	assert.ErrorIs(t, sub.Err(), ErrClosed)
	assert.True(t, first.isClosed())
	assert.False(t, l.Active("c1"))

	again, err := l.Subscribe(context.Background(), "c1", func(domain.Message) {})
	require.NoError(t, err)
	again.Close()
}

func TestSubscription_CloseIsIdempotentAndStopsDelivery(t *testing.T) {
	ch := newFakeChannel()
	l, err := NewListener(openerFor(ch), "", nil)
	require.NoError(t, err)

	var got collector
	sub, err := l.Subscribe(context.Background(), "c1", got.add)
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	ch.deliveries <- delivery(t, MessageRow{ID: "late", ConversationID: "c1", Sender: "concierge", Text: "x"})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.snapshot())

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestSubscription_StopFromCallbackDoesNotBlock(t *testing.T) {
	ch := newFakeChannel()
	l, err := NewListener(openerFor(ch, newFakeChannel()), "", nil)
	require.NoError(t, err)

	var (
		got collector
		sub *Subscription
	)
	ready := make(chan struct{})
	returned := make(chan struct{})
	sub, err = l.Subscribe(context.Background(), "c1", func(m domain.Message) {
		<-ready
		got.add(m)
		sub.Stop()
		close(returned)
	})
	require.NoError(t, err)
	close(ready)

	ch.deliveries <- delivery(t, MessageRow{ID: "m1", ConversationID: "c1", Sender: "concierge", Text: "x"})
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked inside the delivery callback")
	}
	assert.False(t, l.Active("c1"))

	ch.deliveries <- delivery(t, MessageRow{ID: "m2", ConversationID: "c1", Sender: "concierge", Text: "y"})
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery goroutine did not exit after Stop")
	}
	assert.ErrorIs(t, sub.Err(), ErrClosed)
	assert.True(t, ch.isClosed())
	assert.Len(t, got.snapshot(), 1)

	again, err := l.Subscribe(context.Background(), "c1", func(domain.Message) {})
	require.NoError(t, err)
	again.Close()
}

func TestSubscription_TransportDropEndsWithoutReconnect(t *testing.T) {
	ch := newFakeChannel()
	opens := 0
	open := func() (Channel, error) {
		opens++
		return ch, nil
	}
	l, err := NewListener(open, "", nil)
	require.NoError(t, err)

	sub, err := l.Subscribe(context.Background(), "c1", func(domain.Message) {})
	require.NoError(t, err)

	ch.notify <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not end after transport drop")
	}

	var amqpErr *amqp.Error
	require.ErrorAs(t, sub.Err(), &amqpErr)
	assert.Equal(t, 320, amqpErr.Code)
	assert.False(t, l.Active("c1"))
	assert.Equal(t, 1, opens)
}

func TestSubscription_ContextCancelEnds(t *testing.T) {
	ch := newFakeChannel()
	l, err := NewListener(openerFor(ch), "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := l.Subscribe(ctx, "c1", func(domain.Message) {})
	require.NoError(t, err)

	cancel()
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), context.Canceled)
	assert.False(t, l.Active("c1"))
}

func TestSubscribe_SetupFailureReleasesSlot(t *testing.T) {
	broken := newFakeChannel()
	broken.consumeErr = errors.New("access refused")
	healthy := newFakeChannel()
	l, err := NewListener(openerFor(broken, healthy), "", nil)
	require.NoError(t, err)

	_, err = l.Subscribe(context.Background(), "c1", func(domain.Message) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access refused")
	assert.True(t, broken.isClosed())
	assert.False(t, l.Active("c1"))

	sub, err := l.Subscribe(context.Background(), "c1", func(domain.Message) {})
	require.NoError(t, err)
	sub.Close()
}

func TestSubscribe_RejectsBadArguments(t *testing.T) {
	l, err := NewListener(openerFor(newFakeChannel()), "", nil)
	require.NoError(t, err)

	_, err = l.Subscribe(context.Background(), "  ", func(domain.Message) {})
	require.Error(t, err)
	_, err = l.Subscribe(context.Background(), "c1", nil)
	require.Error(t, err)
}

func TestPublisher_PublishInsert(t *testing.T) {
	oldID, oldTime := newEventID, eventTime
	t.Cleanup(func() { newEventID, eventTime = oldID, oldTime })
	fixed := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	newEventID = func() string { return "evt-1" }
	eventTime = func() time.Time { return fixed }

	ch := newFakeChannel()
	p, err := NewPublisher(ch, "", "feed", nil)
	require.NoError(t, err)

	msg := domain.Message{
		ID:             "m1",
		ConversationID: "c1",
		UserID:         "u1",
		Sender:         domain.SenderMember,
		Text:           "Hello",
		CorrelationID:  "corr-1",
		CreatedAt:      fixed,
	}
	require.NoError(t, p.PublishInsert(context.Background(), msg))

	require.Len(t, ch.published, 1)
	pub := ch.published[0]
	assert.Equal(t, "messages.insert.c1", ch.keys[0])
	assert.Equal(t, "m1", pub.MessageId)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, "corr-1", pub.CorrelationId)
	assert.Equal(t, "application/json", pub.ContentType)

	var env Envelope
	require.NoError(t, json.Unmarshal(pub.Body, &env))
	assert.Equal(t, "evt-1", env.Meta.ID)
	assert.Equal(t, "feed", env.Meta.Producer)
	assert.True(t, fixed.Equal(env.Meta.Time))

	decoded, err := decodeDelivery(amqp.Delivery{Body: pub.Body})
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestPublisher_Errors(t *testing.T) {
	_, err := NewPublisher(nil, "", "", nil)
	require.Error(t, err)

	bad := newFakeChannel()
	bad.exchangeErr = errors.New("precondition failed")
	_, err = NewPublisher(bad, "", "", nil)
	require.Error(t, err)

	ch := newFakeChannel()
	ch.publishErr = errors.New("channel closed")
	p, err := NewPublisher(ch, "", "", nil)
	require.NoError(t, err)

	err = p.PublishInsert(context.Background(), domain.Message{ID: "m1", ConversationID: "c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")

	err = p.PublishInsert(context.Background(), domain.Message{ID: "m1"})
	require.Error(t, err)
}

func TestDecodeDelivery_RejectsOtherEventTypes(t *testing.T) {
	body, err := json.Marshal(Envelope{Meta: Meta{Type: "bookings.update.v1"}, Data: MessageRow{ID: "x"}})
	require.NoError(t, err)
	_, err = decodeDelivery(amqp.Delivery{Body: body})
	require.Error(t, err)
}
