package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"concierge-sync/internal/domain"
	"concierge-sync/internal/repository"
)

const eventInsert = "INSERT"

// Publisher announces committed message rows to realtime subscribers.
type Publisher interface {
	PublishInsert(ctx context.Context, msg domain.Message) error
}

// Handler turns DynamoDB stream records of the state table into realtime
// insert events. Only message rows are forwarded.
type Handler struct {
	pub Publisher
	log *slog.Logger
}

func NewHandler(pub Publisher, logger *slog.Logger) (*Handler, error) {
	if pub == nil {
		return nil, errors.New("handler: publisher must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pub: pub, log: logger}, nil
}

// Handle publishes every inserted message row of the batch. Records that fail
// to publish are reported back so only they are retried; records that cannot
// be decoded are logged and dropped.
func (h *Handler) Handle(ctx context.Context, ev events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	published := 0

	for _, rec := range ev.Records {
		if rec.EventName != eventInsert {
			continue
		}
		item, err := toItem(rec.Change.NewImage)
		if err != nil {
			h.log.WarnContext(ctx, "stream record skipped", "event_id", rec.EventID, "err", err)
			continue
		}
		if !repository.IsMessageItem(item) {
			continue
		}
		msg, err := repository.ItemToMessage(item)
		if err != nil {
			h.log.WarnContext(ctx, "stream record skipped", "event_id", rec.EventID, "err", err)
			continue
		}

		if err := h.pub.PublishInsert(ctx, msg); err != nil {
			h.log.ErrorContext(ctx, "publish failed",
				"conversation_id", msg.ConversationID,
				"message_id", msg.ID,
				"err", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: rec.Change.SequenceNumber,
			})
			continue
		}
		published++
	}

	h.log.InfoContext(ctx, "stream batch handled",
		"records", len(ev.Records),
		"published", published,
		"failed", len(resp.BatchItemFailures),
	)
	return resp, nil
}

func toItem(image map[string]events.DynamoDBAttributeValue) (map[string]types.AttributeValue, error) {
	if len(image) == 0 {
		return nil, errors.New("handler: record has no new image")
	}
	item := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		av, err := toAttributeValue(v)
		if err != nil {
			return nil, fmt.Errorf("handler: attribute %q: %w", k, err)
		}
		item[k] = av
	}
	return item, nil
}

func toAttributeValue(v events.DynamoDBAttributeValue) (types.AttributeValue, error) {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}, nil
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}, nil
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}, nil
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}, nil
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}, nil
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}, nil
	case events.DataTypeMap:
		m := make(map[string]types.AttributeValue, len(v.Map()))
		for k, inner := range v.Map() {
			av, err := toAttributeValue(inner)
			if err != nil {
				return nil, err
			}
			m[k] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case events.DataTypeList:
		l := make([]types.AttributeValue, 0, len(v.List()))
		for _, inner := range v.List() {
			av, err := toAttributeValue(inner)
			if err != nil {
				return nil, err
			}
			l = append(l, av)
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	default:
		return nil, fmt.Errorf("unsupported data type %d", v.DataType())
	}
}
