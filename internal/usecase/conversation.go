package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"concierge-sync/internal/domain"
	"concierge-sync/internal/realtime"
	"concierge-sync/internal/timeline"
)

// Subscription is a live realtime subscription handle. Close must not block
// on in-progress delivery.
type Subscription interface {
	Close()
	Done() <-chan struct{}
}

// Subscriber opens realtime subscriptions scoped to one conversation.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string, onInsert func(domain.Message)) (Subscription, error)
}

type listenerSubscriber struct {
	l *realtime.Listener
}

// ListenerSubscriber adapts a realtime.Listener to Subscriber.
func ListenerSubscriber(l *realtime.Listener) Subscriber {
	return listenerSubscriber{l: l}
}

func (s listenerSubscriber) Subscribe(ctx context.Context, conversationID string, onInsert func(domain.Message)) (Subscription, error) {
	sub, err := s.l.Subscribe(ctx, conversationID, onInsert)
	if err != nil {
		return nil, err
	}
	return stoppingSubscription{sub}, nil
}

// stoppingSubscription releases without waiting, so a view can be closed
// from a change callback running on the delivery goroutine.
type stoppingSubscription struct {
	*realtime.Subscription
}

func (s stoppingSubscription) Close() { s.Stop() }

// SessionDeps are the collaborators shared by every view of a session.
type SessionDeps struct {
	Conversations *SessionManager
	Messages      MessageStore
	Processor     Processor
	Subscriber    Subscriber
	MergeWindow   time.Duration
	Logger        *slog.Logger
}

// Session is an explicitly constructed member session. Every conversation
// view opened from it lives inside its scope and is torn down on SignOut.
type Session struct {
	memberID string
	deps     SessionDeps
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	views map[*Conversation]struct{}
}

// NewSession signs memberID in.
func NewSession(parent context.Context, memberID string, deps SessionDeps) (*Session, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return nil, newError(ErrorInvalidInput, "empty_member_id", nil)
	}
	if deps.Conversations == nil {
		return nil, errors.New("usecase: session manager must not be nil")
	}
	if deps.Messages == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if deps.Processor == nil {
		return nil, errors.New("usecase: processor must not be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		memberID: memberID,
		deps:     deps,
		log:      deps.Logger.With("member_id", memberID),
		ctx:      ctx,
		cancel:   cancel,
		views:    make(map[*Conversation]struct{}),
	}, nil
}

func (s *Session) MemberID() string { return s.memberID }

// SignOut cancels the session scope and closes every open view.
func (s *Session) SignOut() {
	s.cancel()
	s.mu.Lock()
	views := make([]*Conversation, 0, len(s.views))
	for v := range s.views {
		views = append(views, v)
	}
	s.mu.Unlock()
	for _, v := range views {
		v.Close()
	}
}

// OpenConversation resolves the member's active conversation for cc, loads
// its history and starts realtime delivery into a fresh timeline.
func (s *Session) OpenConversation(ctx context.Context, cc domain.ConversationContext) (*Conversation, error) {
	if s.ctx.Err() != nil {
		return nil, newError(ErrorRejected, "signed_out", s.ctx.Err())
	}

	id, err := s.deps.Conversations.GetOrCreateConversation(ctx, s.memberID, cc)
	if err != nil {
		return nil, err
	}
	history, err := s.deps.Conversations.LoadHistory(ctx, id)
	if err != nil {
		return nil, err
	}

	tl := timeline.New(history)
	pipeline, err := NewSendPipeline(s.deps.Messages, s.deps.Processor, tl, s.deps.MergeWindow, s.log)
	if err != nil {
		return nil, err
	}

	viewCtx, cancel := context.WithCancel(s.ctx)
	c := &Conversation{
		id:       id,
		memberID: s.memberID,
		tl:       tl,
		pipeline: pipeline,
		ctx:      viewCtx,
		cancel:   cancel,
		session:  s,
		log:      s.log.With("conversation_id", id),
	}

	if s.deps.Subscriber != nil {
		sub, err := s.deps.Subscriber.Subscribe(viewCtx, id, func(m domain.Message) { tl.Apply(m) })
		if err != nil {
			// Realtime is best effort; the view still works without it.
			c.log.WarnContext(ctx, "realtime subscription unavailable",
				"code", string(ErrorSubscription),
				"err", err,
			)
		} else {
			c.sub = sub
			c.catchUp(ctx)
		}
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		c.Close()
		return nil, newError(ErrorRejected, "signed_out", s.ctx.Err())
	}
	s.views[c] = struct{}{}
	s.mu.Unlock()
	return c, nil
}

func (s *Session) forget(c *Conversation) {
	s.mu.Lock()
	delete(s.views, c)
	s.mu.Unlock()
}

// Conversation is one open conversation view.
type Conversation struct {
	id       string
	memberID string
	tl       *timeline.Timeline
	pipeline *SendPipeline
	sub      Subscription
	session  *Session
	log      *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *Conversation) ID() string { return c.id }

// Messages returns a snapshot of the timeline.
func (c *Conversation) Messages() []domain.Message { return c.tl.Snapshot() }

// OnChange registers fn to receive a snapshot after every timeline change.
// fn runs on the goroutine that changed the timeline, which may be the
// realtime delivery goroutine. fn may call Close.
func (c *Conversation) OnChange(fn func([]domain.Message)) { c.tl.OnChange(fn) }

// Realtime reports whether realtime delivery is live for the view.
func (c *Conversation) Realtime() bool {
	if c.sub == nil {
		return false
	}
	select {
	case <-c.sub.Done():
		return false
	default:
		return true
	}
}

// Send runs the send pipeline within the view scope.
func (c *Conversation) Send(text string) (SendResult, error) {
	if c.ctx.Err() != nil {
		return SendResult{}, newError(ErrorRejected, "view_closed", c.ctx.Err())
	}
	return c.pipeline.Send(c.ctx, text, c.id, c.memberID)
}

// Close tears the view down: in-flight calls are cancelled, the realtime
// subscription is released, pending fallback checks are stopped and the
// timeline stops accepting mutations. It does not wait for the delivery
// goroutine, so it is safe to call from an OnChange callback.
func (c *Conversation) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.sub != nil {
			c.sub.Close()
		}
		c.pipeline.Close()
		c.tl.Close()
		c.session.forget(c)
	})
}

// catchUp re-reads history after subscribing so rows committed between the
// first load and the subscription becoming live are not lost.
func (c *Conversation) catchUp(ctx context.Context) {
	msgs, err := c.session.deps.Conversations.LoadHistory(ctx, c.id)
	if err != nil {
		c.log.WarnContext(ctx, "history catch-up failed", "err", err)
		return
	}
	for _, m := range msgs {
		c.tl.Apply(m)
	}
}
