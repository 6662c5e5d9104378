package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"concierge-sync/internal/domain"
	"concierge-sync/internal/integrations/processing"
	"concierge-sync/internal/realtime"
	"concierge-sync/internal/repository"
)

var baseTime = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

// memStore is an in-memory ConversationStore and MessageStore.
type memStore struct {
	mu      sync.Mutex
	seq     int
	convs   []domain.Conversation
	msgs    map[string][]domain.Message
	creates int

	findErr   error
	createErr error
	listErr   error
	insertErr error

	// afterInsert runs after a successful insert, before InsertMessage returns.
	afterInsert func(domain.Message)
}

func newMemStore() *memStore {
	return &memStore{msgs: make(map[string][]domain.Message)}
}

func (s *memStore) nextLocked() (string, time.Time) {
	s.seq++
	return fmt.Sprintf("id-%03d", s.seq), baseTime.Add(time.Duration(s.seq) * time.Second)
}

func (s *memStore) FindActiveConversation(_ context.Context, memberID string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return domain.Conversation{}, s.findErr
	}
	for i := len(s.convs) - 1; i >= 0; i-- {
		c := s.convs[i]
		if c.MemberID == memberID && c.Status == domain.ConversationActive {
			return c, nil
		}
	}
	return domain.Conversation{}, repository.ErrNotFound
}

func (s *memStore) CreateConversation(_ context.Context, memberID string, cc domain.ConversationContext, welcomeText string) (domain.Conversation, domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return domain.Conversation{}, domain.Message{}, s.createErr
	}
	s.creates++
	convID, at := s.nextLocked()
	conv := domain.Conversation{ID: convID, MemberID: memberID, Status: domain.ConversationActive, Context: cc, CreatedAt: at}
	msgID, _ := s.nextLocked()
	welcome := domain.Message{ID: msgID, ConversationID: convID, Sender: domain.SenderConcierge, Text: welcomeText, CreatedAt: at}
	s.convs = append(s.convs, conv)
	s.msgs[convID] = append(s.msgs[convID], welcome)
	return conv, welcome, nil
}

func (s *memStore) ListMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]domain.Message(nil), s.msgs[conversationID]...), nil
}

func (s *memStore) InsertMessage(_ context.Context, draft domain.Message) (domain.Message, error) {
	s.mu.Lock()
	if s.insertErr != nil {
		s.mu.Unlock()
		return domain.Message{}, s.insertErr
	}
	draft.ID, draft.CreatedAt = s.nextLocked()
	s.msgs[draft.ConversationID] = append(s.msgs[draft.ConversationID], draft)
	hook := s.afterInsert
	s.mu.Unlock()

	if hook != nil {
		hook(draft)
	}
	return draft, nil
}

func (s *memStore) conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// fakeProcessor answers Process with fn, or an empty reply when fn is nil.
type fakeProcessor struct {
	mu    sync.Mutex
	calls []processing.Request
	fn    func(ctx context.Context, in processing.Request) (processing.Reply, error)
}

func (p *fakeProcessor) Process(ctx context.Context, in processing.Request) (processing.Reply, error) {
	p.mu.Lock()
	p.calls = append(p.calls, in)
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return processing.Reply{}, nil
	}
	return fn(ctx, in)
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// fakeSubscriber keeps the onInsert callback of each conversation so tests
// can push realtime deliveries.
type fakeSubscriber struct {
	mu   sync.Mutex
	subs map[string]*fakeSubscription
	err  error

	// onSubscribe runs once the subscription is registered.
	onSubscribe func(conversationID string)
}

type fakeSubscription struct {
	onInsert func(domain.Message)
	done     chan struct{}
	once     sync.Once
}

func (s *fakeSubscription) Close()                { s.once.Do(func() { close(s.done) }) }
func (s *fakeSubscription) Done() <-chan struct{} { return s.done }

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subs: make(map[string]*fakeSubscription)}
}

func (f *fakeSubscriber) Subscribe(_ context.Context, conversationID string, onInsert func(domain.Message)) (Subscription, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return nil, f.err
	}
	sub := &fakeSubscription{onInsert: onInsert, done: make(chan struct{})}
	f.subs[conversationID] = sub
	hook := f.onSubscribe
	f.mu.Unlock()

	if hook != nil {
		hook(conversationID)
	}
	return sub, nil
}

// deliver pushes m to the live subscription of its conversation.
func (f *fakeSubscriber) deliver(m domain.Message) {
	f.mu.Lock()
	sub := f.subs[m.ConversationID]
	f.mu.Unlock()
	if sub == nil {
		return
	}
	select {
	case <-sub.done:
		return
	default:
	}
	sub.onInsert(m)
}

func (f *fakeSubscriber) closed(conversationID string) bool {
	f.mu.Lock()
	sub := f.subs[conversationID]
	f.mu.Unlock()
	if sub == nil {
		return false
	}
	select {
	case <-sub.done:
		return true
	default:
		return false
	}
}

func countBy(msgs []domain.Message, sender domain.Sender, text string) int {
	n := 0
	for _, m := range msgs {
		if m.Sender == sender && m.Text == text {
			n++
		}
	}
	return n
}

// brokerChannel is an in-memory realtime.Channel for driving a real Listener.
type brokerChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	closed     bool
}

func newBrokerChannel() *brokerChannel {
	return &brokerChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (b *brokerChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (b *brokerChannel) QueueDeclare(string, bool, bool, bool, bool, amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: "amq.gen-test"}, nil
}

func (b *brokerChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }

func (b *brokerChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

func (b *brokerChannel) PublishWithContext(context.Context, string, string, bool, bool, amqp.Publishing) error {
	return nil
}

func (b *brokerChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error { return receiver }

func (b *brokerChannel) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *brokerChannel) push(m domain.Message) error {
	body, err := json.Marshal(realtime.Envelope{
		Meta: realtime.Meta{ID: "evt", Type: realtime.EventMessageInserted},
		Data: realtime.MessageRow{ID: m.ID, ConversationID: m.ConversationID, Sender: string(m.Sender), Text: m.Text, CreatedAt: m.CreatedAt},
	})
	if err != nil {
		return err
	}
	b.deliveries <- amqp.Delivery{Body: body}
	return nil
}
