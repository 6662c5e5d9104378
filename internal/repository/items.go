package repository

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"concierge-sync/internal/domain"
)

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	md := make(map[string]types.AttributeValue)
	for k, v := range conv.Context.Metadata() {
		md[k] = &types.AttributeValueMemberS{Value: v}
	}
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: memberPK(conv.MemberID)},
		"SK":        &types.AttributeValueMemberS{Value: convSK(conv.CreatedAt, conv.ID)},
		"id":        &types.AttributeValueMemberS{Value: conv.ID},
		"memberId":  &types.AttributeValueMemberS{Value: conv.MemberID},
		"status":    &types.AttributeValueMemberS{Value: string(conv.Status)},
		"metadata":  &types.AttributeValueMemberM{Value: md},
		"createdAt": &types.AttributeValueMemberS{Value: formatTS(conv.CreatedAt)},
	}
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt, msg.ID)},
		"id":             &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"userId":         &types.AttributeValueMemberS{Value: msg.UserID},
		"sender":         &types.AttributeValueMemberS{Value: string(msg.Sender)},
		"text":           &types.AttributeValueMemberS{Value: msg.Text},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTS(msg.CreatedAt)},
	}
	if msg.CorrelationID != "" {
		item["correlationId"] = &types.AttributeValueMemberS{Value: msg.CorrelationID}
	}
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Conversation{}, err
	}
	memberID, err := strAttr(item, "memberId")
	if err != nil {
		return domain.Conversation{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}

	md := map[string]string{}
	if v, ok := item["metadata"].(*types.AttributeValueMemberM); ok {
		for k, av := range v.Value {
			if s, ok := av.(*types.AttributeValueMemberS); ok {
				md[k] = s.Value
			}
		}
	}

	return domain.Conversation{
		ID:        id,
		MemberID:  memberID,
		Status:    domain.ConversationStatus(status),
		Context:   domain.ContextFromMetadata(md),
		CreatedAt: createdAt,
	}, nil
}

// IsMessageItem reports whether item is a message row of a conversation.
func IsMessageItem(item map[string]types.AttributeValue) bool {
	pk, err := strAttr(item, "PK")
	if err != nil || !strings.HasPrefix(pk, pkPrefixConv) {
		return false
	}
	sk, err := strAttr(item, "SK")
	return err == nil && strings.HasPrefix(sk, skPrefixMsg)
}

// ItemToMessage converts a DynamoDB attribute map to a Message.
func ItemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	sender, err := strAttr(item, "sender")
	if err != nil {
		return domain.Message{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	userID, _ := strAttr(item, "userId")               // allow empty
	correlationID, _ := strAttr(item, "correlationId") // allow empty

	return domain.Message{
		ID:             id,
		ConversationID: conversationID,
		UserID:         userID,
		Sender:         domain.Sender(sender),
		Text:           text,
		CorrelationID:  correlationID,
		CreatedAt:      createdAt,
	}, nil
}

func itemToBooking(item map[string]types.AttributeValue) (domain.Booking, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Booking{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Booking{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Booking{}, err
	}
	rawDate, err := strAttr(item, "bookingDate")
	if err != nil {
		return domain.Booking{}, err
	}
	date, err := time.Parse(dateLayout, rawDate)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("repository: parse attribute %q: %w", "bookingDate", err)
	}

	b := domain.Booking{
		ID:          id,
		UserID:      userID,
		RawStatus:   domain.RawStatus(status),
		BookingDate: date,
	}
	b.VenueID, _ = strAttr(item, "venueId")
	b.BookingTime, _ = strAttr(item, "bookingTime")
	b.CancellationReason, _ = strAttr(item, "cancellationReason")
	b.DepositRequired, _ = boolAttr(item, "depositRequired")
	b.DepositConfirmed, _ = boolAttr(item, "depositConfirmed")
	if b.PartySize, err = optionalIntAttr(item, "partySize"); err != nil {
		return domain.Booking{}, err
	}
	if b.PointsEarned, err = optionalIntAttr(item, "pointsEarned"); err != nil {
		return domain.Booking{}, err
	}
	return b, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts.UTC(), nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a bool", key)
	}
	return b.Value, nil
}

func optionalIntAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
