package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"concierge-sync/internal/domain"
)

const (
	pkPrefixMember  = "MEMBER#"
	pkPrefixConv    = "CONV#"
	pkPrefixBooking = "BOOKING#"
	skPrefixConv    = "CONV#"
	skPrefixMsg     = "MSG#"
	skMeta          = "META#"

	// UserIndex is the GSI on bookings keyed by userId.
	UserIndex = "userId-index"

	// Fixed-width so sort keys order lexically by time.
	tsLayout = "2006-01-02T15:04:05.000000000Z07:00"
	// dateLayout is the wire format of bookingDate.
	dateLayout = "2006-01-02"

	condNotExists = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
)

var (
	// ErrNotFound is returned when no active conversation exists for a member.
	ErrNotFound = errors.New("repository: not found")
	// ErrBookingNotFound is returned when a cancellation targets a missing booking.
	ErrBookingNotFound = errors.New("repository: booking not found")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client is the backend CRUD store over a single DynamoDB table holding
// conversations, messages and bookings.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func memberPK(memberID string) string       { return pkPrefixMember + memberID }
func convPK(conversationID string) string   { return pkPrefixConv + conversationID }
func bookingPK(bookingID string) string     { return pkPrefixBooking + bookingID }
func convSK(ts time.Time, id string) string { return skPrefixConv + formatTS(ts) + "#" + id }
func msgSK(ts time.Time, id string) string  { return skPrefixMsg + formatTS(ts) + "#" + id }

func formatTS(ts time.Time) string { return ts.UTC().Format(tsLayout) }

// FindActiveConversation returns the member's most recent active conversation
// or ErrNotFound.
func (c *Client) FindActiveConversation(ctx context.Context, memberID string) (domain.Conversation, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("#status = :active"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: memberPK(memberID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixConv},
			":active": &types.AttributeValueMemberS{Value: string(domain.ConversationActive)},
		},
		// Newest first; the filter runs after the key condition so pages may be empty.
		ScanIndexForward: aws.Bool(false),
	}

	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("repository: FindActiveConversation query: %w", err)
		}
		if len(out.Items) > 0 {
			conv, err := itemToConversation(out.Items[0])
			if err != nil {
				return domain.Conversation{}, fmt.Errorf("repository: FindActiveConversation unmarshal: %w", err)
			}
			return conv, nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return domain.Conversation{}, ErrNotFound
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// CreateConversation writes a new active conversation and its welcome message
// in one transaction. Ids and timestamps are assigned here.
func (c *Client) CreateConversation(ctx context.Context, memberID string, cc domain.ConversationContext, welcomeText string) (domain.Conversation, domain.Message, error) {
	if strings.TrimSpace(memberID) == "" {
		return domain.Conversation{}, domain.Message{}, errors.New("repository: CreateConversation: member id is required")
	}
	now := nowUTC()
	conv := domain.Conversation{
		ID:        newID(),
		MemberID:  memberID,
		Status:    domain.ConversationActive,
		Context:   cc,
		CreatedAt: now,
	}
	welcome := domain.Message{
		ID:             newID(),
		ConversationID: conv.ID,
		UserID:         memberID,
		Sender:         domain.SenderConcierge,
		Text:           welcomeText,
		CreatedAt:      now,
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                conversationItem(conv),
					ConditionExpression: aws.String(condNotExists),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(welcome),
					ConditionExpression: aws.String(condNotExists),
				},
			},
		},
	})
	if err != nil {
		return domain.Conversation{}, domain.Message{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return conv, welcome, nil
}

// InsertMessage persists draft under a fresh canonical id and returns the
// stored record.
func (c *Client) InsertMessage(ctx context.Context, draft domain.Message) (domain.Message, error) {
	if draft.ConversationID == "" {
		return domain.Message{}, errors.New("repository: InsertMessage: conversation id is required")
	}
	msg := draft
	msg.ID = newID()
	msg.CreatedAt = nowUTC()

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String(condNotExists),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: InsertMessage: %w", err)
	}
	return msg, nil
}

// ListMessages returns every message of a conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var msgs []domain.Message
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := ItemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

// ListBookings returns the user's bookings through the userId index.
func (c *Client) ListBookings(ctx context.Context, userID string) ([]domain.Booking, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(UserIndex),
		KeyConditionExpression: aws.String("userId = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
	}

	var bookings []domain.Booking
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListBookings query: %w", err)
		}
		for _, item := range out.Items {
			b, err := itemToBooking(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListBookings unmarshal: %w", err)
			}
			bookings = append(bookings, b)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return bookings, nil
}

// CancelBooking marks the booking cancelled with the given reason.
func (c *Client) CancelBooking(ctx context.Context, bookingID, reason string) error {
	if strings.TrimSpace(bookingID) == "" {
		return errors.New("repository: CancelBooking: booking id is required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: bookingPK(bookingID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:    aws.String("SET #status = :cancelled, cancellationReason = :reason, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cancelled": &types.AttributeValueMemberS{Value: string(domain.StatusCancelled)},
			":reason":    &types.AttributeValueMemberS{Value: reason},
			":now":       &types.AttributeValueMemberS{Value: formatTS(nowUTC())},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("repository: CancelBooking %q: %w", bookingID, ErrBookingNotFound)
		}
		return fmt.Errorf("repository: CancelBooking: %w", err)
	}
	return nil
}

var newID = func() string {
	return uuid.NewString()
}

var nowUTC = func() time.Time {
	return time.Now().UTC()
}
