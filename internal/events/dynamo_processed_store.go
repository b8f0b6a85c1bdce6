package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const defaultDedupTTL = 7 * 24 * time.Hour

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type processedItem struct {
	Key         string `dynamodbav:"eventKey"`
	Provider    string `dynamodbav:"provider"`
	EventID     string `dynamodbav:"eventId"`
	ProcessedAt string `dynamodbav:"processedAt"`
	ExpiresAt   int64  `dynamodbav:"expiresAt"`
}

// DynamoProcessedStore is a ProcessedStore backed by a DynamoDB table keyed
// on eventKey, with expiresAt as the table TTL attribute.
type DynamoProcessedStore struct {
	client    dynamoAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

func NewDynamoProcessedStore(client dynamoAPI, tableName string, ttl time.Duration) *DynamoProcessedStore {
	if client == nil {
		panic("events: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("events: table name cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &DynamoProcessedStore{client: client, tableName: tableName, ttl: ttl, now: time.Now}
}

func processedKey(provider, eventID string) string {
	return provider + "#" + eventID
}

func (s *DynamoProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"eventKey": &types.AttributeValueMemberS{Value: processedKey(provider, eventID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	if out.Item == nil {
		return false, nil
	}
	var item processedItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return false, fmt.Errorf("events: decode processed item: %w", err)
	}
	// TTL deletion lags, so expired items still count as unseen.
	return item.ExpiresAt == 0 || item.ExpiresAt > s.now().Unix(), nil
}

func (s *DynamoProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	now := s.now().UTC()
	item, err := attributevalue.MarshalMap(processedItem{
		Key:         processedKey(provider, eventID),
		Provider:    provider,
		EventID:     eventID,
		ProcessedAt: now.Format(time.RFC3339Nano),
		ExpiresAt:   now.Add(s.ttl).Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("events: marshal processed item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(eventKey)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return true, nil
}
