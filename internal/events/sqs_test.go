package events

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSPublisherStandardQueue(t *testing.T) {
	client := &fakeSQS{}
	p := NewSQSPublisher(client, "https://sqs.us-east-1.amazonaws.com/123/booking-events")
	entry := OutboxEntry{ID: uuid.New(), Aggregate: "booking_workflow:1", Type: "booking.workflow.failed.v1", Payload: []byte(`{"a":1}`)}

	require.NoError(t, p.Handle(context.Background(), entry))
	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, `{"a":1}`, aws.ToString(in.MessageBody))
	assert.Equal(t, "booking.workflow.failed.v1", aws.ToString(in.MessageAttributes["event_type"].StringValue))
	assert.Nil(t, in.MessageGroupId)
	assert.Nil(t, in.MessageDeduplicationId)
}

func TestSQSPublisherFIFOQueue(t *testing.T) {
	client := &fakeSQS{}
	p := NewSQSPublisher(client, "https://sqs.us-east-1.amazonaws.com/123/booking-events.fifo")
	entry := OutboxEntry{ID: uuid.New(), Aggregate: "booking_workflow:1", Type: "booking.workflow.completed.v1", Payload: []byte(`{}`)}

	require.NoError(t, p.Handle(context.Background(), entry))
	in := client.inputs[0]
	assert.Equal(t, "booking_workflow:1", aws.ToString(in.MessageGroupId))
	assert.Equal(t, entry.ID.String(), aws.ToString(in.MessageDeduplicationId))
}

func TestSQSPublisherErrors(t *testing.T) {
	boom := errors.New("throttled")
	p := NewSQSPublisher(&fakeSQS{err: boom}, "q")
	err := p.Handle(context.Background(), OutboxEntry{ID: uuid.New()})
	assert.ErrorIs(t, err, boom)

	var nilPub *SQSPublisher
	assert.Error(t, nilPub.Handle(context.Background(), OutboxEntry{}))
}
