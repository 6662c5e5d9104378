package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"concierge-sync/internal/domain"
	"concierge-sync/internal/integrations/processing"
	"concierge-sync/internal/timeline"
)

// DefaultMergeWindow is how long a reply without an echoed correlation id
// waits for its realtime copy before being synthesized locally.
const DefaultMergeWindow = 500 * time.Millisecond

// ApologyText is shown when the processing endpoint cannot be reached.
const ApologyText = "Sorry, I'm having trouble connecting right now. Please try again in a moment."

// MessageStore persists member messages.
type MessageStore interface {
	InsertMessage(ctx context.Context, draft domain.Message) (domain.Message, error)
}

// Processor submits persisted member messages for a concierge reply.
type Processor interface {
	Process(ctx context.Context, in processing.Request) (processing.Reply, error)
}

// SendResult describes what one Send did to the timeline.
type SendResult struct {
	TempID        string
	CorrelationID string
	// Message is the canonical member message. It is zero when persistence failed.
	Message domain.Message
	// Reply is the locally synthesized concierge message, if any.
	Reply         domain.Message
	ReplyDeferred bool
	Apology       bool
}

// SendPipeline is the optimistic send path for one conversation view. It
// allows a single send in flight; overlapping calls are rejected, not queued.
type SendPipeline struct {
	store       MessageStore
	proc        Processor
	tl          *timeline.Timeline
	log         *slog.Logger
	mergeWindow time.Duration

	inFlight atomic.Bool

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

func NewSendPipeline(store MessageStore, proc Processor, tl *timeline.Timeline, mergeWindow time.Duration, logger *slog.Logger) (*SendPipeline, error) {
	if store == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if proc == nil {
		return nil, errors.New("usecase: processor must not be nil")
	}
	if tl == nil {
		return nil, errors.New("usecase: timeline must not be nil")
	}
	if mergeWindow <= 0 {
		mergeWindow = DefaultMergeWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SendPipeline{
		store:       store,
		proc:        proc,
		tl:          tl,
		log:         logger,
		mergeWindow: mergeWindow,
		timers:      make(map[*time.Timer]struct{}),
	}, nil
}

// InFlight reports whether a send is currently running.
func (p *SendPipeline) InFlight() bool {
	return p.inFlight.Load()
}

// Send appends text optimistically, persists it, reconciles the temporary
// entry and asks the processing endpoint for a reply. A processing failure is
// recovered with a local apology and a nil error.
func (p *SendPipeline) Send(ctx context.Context, text, conversationID, userID string) (SendResult, error) {
	text = strings.TrimSpace(text)
	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if text == "" {
		return SendResult{}, newError(ErrorRejected, "empty_text", nil)
	}
	if conversationID == "" || userID == "" {
		return SendResult{}, newError(ErrorRejected, "missing_ids", nil)
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		return SendResult{}, newError(ErrorRejected, "send_in_flight", nil)
	}
	defer p.inFlight.Store(false)

	res := SendResult{
		TempID:        domain.TempIDPrefix + newUUID(),
		CorrelationID: newUUID(),
	}
	temp := domain.Message{
		ID:             res.TempID,
		ConversationID: conversationID,
		UserID:         userID,
		Sender:         domain.SenderMember,
		Text:           text,
		CorrelationID:  res.CorrelationID,
		CreatedAt:      clock(),
	}
	p.tl.Append(temp)

	draft := temp
	draft.ID = ""
	draft.CreatedAt = time.Time{}
	canonical, err := p.store.InsertMessage(ctx, draft)
	if err != nil {
		p.log.WarnContext(ctx, "member message not persisted",
			"conversation_id", conversationID,
			"correlation_id", res.CorrelationID,
			"err", err,
		)
		return res, newError(ErrorPersistence, "insert_message_error", err)
	}
	res.Message = canonical
	p.tl.Reconcile(res.TempID, canonical)

	reply, err := p.proc.Process(ctx, processing.Request{
		Message:        text,
		UserID:         userID,
		ConversationID: conversationID,
		CorrelationID:  res.CorrelationID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, newError(ErrorProcessing, "processing_cancelled", ctx.Err())
		}
		reason := "processing_error"
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			reason = "processing_rate_limited"
		}
		p.log.WarnContext(ctx, "processing failed, apologizing locally",
			"conversation_id", conversationID,
			"correlation_id", res.CorrelationID,
			"reason", reason,
			"err", err,
		)
		res.Reply = p.localReply(conversationID, ApologyText, "")
		res.Apology = true
		p.tl.Append(res.Reply)
		return res, nil
	}

	if strings.TrimSpace(reply.Text) == "" {
		return res, nil
	}

	if reply.CorrelationID == res.CorrelationID {
		res.Reply = p.localReply(conversationID, reply.Text, res.CorrelationID)
		p.tl.AppendReply(res.Reply)
		return res, nil
	}

	// No echoed correlation id: fall back to matching the realtime copy by text.
	res.Reply = p.localReply(conversationID, reply.Text, "")
	res.ReplyDeferred = p.schedule(func() {
		if !p.tl.AppendIfNoConciergeText(res.Reply) {
			p.log.Debug("fallback reply superseded by realtime copy", "conversation_id", conversationID)
		}
	})
	return res, nil
}

func (p *SendPipeline) localReply(conversationID, text, correlationID string) domain.Message {
	return domain.Message{
		ID:             domain.LocalIDPrefix + newUUID(),
		ConversationID: conversationID,
		Sender:         domain.SenderConcierge,
		Text:           text,
		CorrelationID:  correlationID,
		CreatedAt:      clock(),
	}
}

func (p *SendPipeline) schedule(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(p.mergeWindow, func() {
		p.mu.Lock()
		_, live := p.timers[t]
		delete(p.timers, t)
		p.mu.Unlock()
		if live {
			fn()
		}
	})
	p.timers[t] = struct{}{}
	return true
}

// Pending reports how many fallback checks are scheduled.
func (p *SendPipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Close stops every pending fallback check. Later sends still run but
// schedule nothing.
func (p *SendPipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for t := range p.timers {
		t.Stop()
		delete(p.timers, t)
	}
}

var newUUID = func() string {
	return uuid.NewString()
}

var clock = func() time.Time {
	return time.Now().UTC()
}
