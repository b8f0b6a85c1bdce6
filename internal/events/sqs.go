package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher forwards outbox entries to an SQS queue.
type SQSPublisher struct {
	client   sqsSender
	queueURL string
	fifo     bool
}

var _ DeliveryHandler = (*SQSPublisher)(nil)

func NewSQSPublisher(client sqsSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

func (p *SQSPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	if p == nil || p.client == nil {
		return errors.New("events: sqs client not configured")
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(entry.Payload)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(entry.Type),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(entry.Aggregate)
		input.MessageDeduplicationId = aws.String(entry.ID.String())
	}
	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("events: send %s to sqs: %w", entry.ID, err)
	}
	return nil
}
