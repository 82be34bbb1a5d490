package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"booking-agent/internal/domain"
)

const skMeta = "META#"

// ErrNotFound is returned when the requested chat or reservation does not exist.
var ErrNotFound = errors.New("repository: not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client wraps a single DynamoDB table holding chats and reservations.
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

func chatPK(chatID string) string {
	return "CHAT#" + chatID
}

func reservationPK(reservationID string) string {
	return "RES#" + reservationID
}

func metaKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// GetChat loads a chat by id.
func (c *Client) GetChat(ctx context.Context, chatID string) (domain.Chat, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            metaKey(chatPK(chatID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Chat{}, fmt.Errorf("repository: GetChat: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Chat{}, ErrNotFound
	}
	return itemToChat(chatID, out.Item)
}

// SaveChat writes or replaces the chat record. Last writer wins.
func (c *Client) SaveChat(ctx context.Context, chat domain.Chat) error {
	if strings.TrimSpace(chat.ID) == "" || strings.TrimSpace(chat.UserID) == "" {
		return errors.New("repository: SaveChat: chat id and user id are required")
	}
	item, err := chatItem(chat)
	if err != nil {
		return fmt.Errorf("repository: SaveChat: %w", err)
	}
	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("repository: SaveChat: %w", err)
	}
	return nil
}

// DeleteChat removes a chat record, returning ErrNotFound if it was absent.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 metaKey(chatPK(chatID)),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: DeleteChat: %w", err)
	}
	return nil
}

// GetReservation loads a reservation by id.
func (c *Client) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            metaKey(reservationPK(reservationID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("repository: GetReservation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Reservation{}, ErrNotFound
	}
	return itemToReservation(reservationID, out.Item)
}

// PutReservation persists a new reservation. The condition rejects id reuse
// so reservation ids stay unique in the table.
func (c *Client) PutReservation(ctx context.Context, res domain.Reservation) error {
	if strings.TrimSpace(res.ID) == "" || strings.TrimSpace(res.UserID) == "" {
		return errors.New("repository: PutReservation: reservation id and user id are required")
	}
	item, err := reservationItem(res)
	if err != nil {
		return fmt.Errorf("repository: PutReservation: %w", err)
	}
	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	}); err != nil {
		return fmt.Errorf("repository: PutReservation: %w", err)
	}
	return nil
}

// SetPaymentCompleted flips the payment flag. The actual payment confirmation
// flow lives outside this service; this is its write hook.
func (c *Client) SetPaymentCompleted(ctx context.Context, reservationID string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 metaKey(reservationPK(reservationID)),
		UpdateExpression:    aws.String("SET paymentCompleted = :paid"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":paid": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		if isConditionalCheckFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: SetPaymentCompleted: %w", err)
	}
	return nil
}

func isConditionalCheckFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func chatItem(chat domain.Chat) (map[string]types.AttributeValue, error) {
	messages, err := json.Marshal(chat.Messages)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	updatedAt := chat.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: chatPK(chat.ID)},
		"SK":        &types.AttributeValueMemberS{Value: skMeta},
		"userId":    &types.AttributeValueMemberS{Value: chat.UserID},
		"messages":  &types.AttributeValueMemberS{Value: string(messages)},
		"updatedAt": &types.AttributeValueMemberS{Value: updatedAt.Format(time.RFC3339)},
	}, nil
}

func itemToChat(chatID string, item map[string]types.AttributeValue) (domain.Chat, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Chat{}, fmt.Errorf("repository: chat item: %w", err)
	}
	rawMessages, err := strAttr(item, "messages")
	if err != nil {
		return domain.Chat{}, fmt.Errorf("repository: chat item: %w", err)
	}
	var messages []domain.ChatMessage
	if err := json.Unmarshal([]byte(rawMessages), &messages); err != nil {
		return domain.Chat{}, fmt.Errorf("repository: chat item: unmarshal messages: %w", err)
	}
	chat := domain.Chat{
		ID:       chatID,
		UserID:   userID,
		Messages: messages,
	}
	if raw, err := strAttr(item, "updatedAt"); err == nil {
		if ts, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			chat.UpdatedAt = ts
		}
	}
	return chat, nil
}

func reservationItem(res domain.Reservation) (map[string]types.AttributeValue, error) {
	details, err := json.Marshal(res.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	createdAt := res.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return map[string]types.AttributeValue{
		"PK":               &types.AttributeValueMemberS{Value: reservationPK(res.ID)},
		"SK":               &types.AttributeValueMemberS{Value: skMeta},
		"userId":           &types.AttributeValueMemberS{Value: res.UserID},
		"details":          &types.AttributeValueMemberS{Value: string(details)},
		"paymentCompleted": &types.AttributeValueMemberBOOL{Value: res.PaymentCompleted},
		"createdAt":        &types.AttributeValueMemberS{Value: createdAt.Format(time.RFC3339)},
	}, nil
}

func itemToReservation(reservationID string, item map[string]types.AttributeValue) (domain.Reservation, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("repository: reservation item: %w", err)
	}
	rawDetails, err := strAttr(item, "details")
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("repository: reservation item: %w", err)
	}
	var details domain.ReservationDetails
	if err := json.Unmarshal([]byte(rawDetails), &details); err != nil {
		return domain.Reservation{}, fmt.Errorf("repository: reservation item: unmarshal details: %w", err)
	}
	paid, err := boolAttr(item, "paymentCompleted")
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("repository: reservation item: %w", err)
	}
	res := domain.Reservation{
		ID:               reservationID,
		UserID:           userID,
		Details:          details,
		PaymentCompleted: paid,
	}
	if raw, err := strAttr(item, "createdAt"); err == nil {
		if ts, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			res.CreatedAt = ts
		}
	}
	return res, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("attribute %q is not a boolean", key)
	}
	return b.Value, nil
}
