package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/oriys/coffeeshop/internal/awsutil"
)

// SQSAPI is the slice of the SQS client the adapter consumes.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQS drains an Amazon SQS queue. The SQS MessageId is the ticket.
type SQS struct {
	client SQSAPI
	url    string
}

// NewSQS resolves AWS configuration and returns an adapter for the queue URL.
func NewSQS(ctx context.Context, queueURL, region string) (*SQS, error) {
	cfg, err := awsutil.LoadConfig(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("queue: load aws config: %w", err)
	}
	return &SQS{client: sqs.NewFromConfig(cfg), url: queueURL}, nil
}

// NewSQSFromClient wraps an existing client; used by tests.
func NewSQSFromClient(client SQSAPI, queueURL string) *SQS {
	return &SQS{client: client, url: queueURL}
}

// Send enqueues a body and returns the broker-assigned MessageId.
func (q *SQS) Send(ctx context.Context, body string) (string, error) {
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("queue: send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Receive long-polls for one message.
func (q *SQS) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(clampWait(wait) / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("queue: receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, ErrNoMessage
	}

	msg := out.Messages[0]
	handle := aws.ToString(msg.ReceiptHandle)
	del := func(ctx context.Context) error {
		_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.url),
			ReceiptHandle: aws.String(handle),
		})
		return err
	}
	ret := func(ctx context.Context) error {
		_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(q.url),
			ReceiptHandle:     aws.String(handle),
			VisibilityTimeout: 0,
		})
		return err
	}
	return newDelivery(aws.ToString(msg.MessageId), aws.ToString(msg.Body), del, ret), nil
}

// Close is a no-op; the SQS client holds no persistent connection state.
func (q *SQS) Close() error { return nil }
