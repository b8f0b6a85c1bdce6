package events

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
	puts  []*dynamodb.PutItemInput
}

func (f *fakeDynamo) key(item map[string]types.AttributeValue) string {
	if v, ok := item["eventKey"].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	k := f.key(in.Item)
	if _, ok := f.items[k]; ok && aws.ToString(in.ConditionExpression) != "" {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[f.key(in.Key)]}, nil
}

func TestDynamoProcessedStore(t *testing.T) {
	client := &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
	store := NewDynamoProcessedStore(client, "booking-processed-events", time.Hour)
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	seen, err := store.AlreadyProcessed(ctx, "voice", "call-1:ended")
	require.NoError(t, err)
	assert.False(t, seen)

	ok, err := store.MarkProcessed(ctx, "voice", "call-1:ended")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "booking-processed-events", aws.ToString(client.puts[0].TableName))

	ok, err = store.MarkProcessed(ctx, "voice", "call-1:ended")
	require.NoError(t, err)
	assert.False(t, ok)

	seen, err = store.AlreadyProcessed(ctx, "voice", "call-1:ended")
	require.NoError(t, err)
	assert.True(t, seen)

	now = now.Add(2 * time.Hour)
	seen, err = store.AlreadyProcessed(ctx, "voice", "call-1:ended")
	require.NoError(t, err)
	assert.False(t, seen, "expired items count as unseen")
}
