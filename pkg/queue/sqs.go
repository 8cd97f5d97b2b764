package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/observability"
)

// sqsMaxDelay is the SendMessage DelaySeconds ceiling imposed by AWS.
const sqsMaxDelay = 900 * time.Second

// SQSClient is the subset of the AWS SQS API the queue uses.
type SQSClient interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue schedules wake-ups on an SQS queue using message delay. Delays
// longer than the SQS ceiling surface early; the due-time check in the
// message body keeps early deliveries harmless because the engine re-parks
// runs that are not yet due.
type SQSQueue struct {
	client   SQSClient
	queueURL string
	logger   observability.Logger
}

// NewSQSQueue creates a queue over an existing SQS client.
func NewSQSQueue(client SQSClient, queueURL string, logger observability.Logger) *SQSQueue {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &SQSQueue{client: client, queueURL: queueURL, logger: logger}
}

// NewSQSQueueFromEnv builds the AWS client from the default credential
// chain and region resolution.
func NewSQSQueueFromEnv(ctx context.Context, queueURL, region string, logger observability.Logger) (*SQSQueue, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	return NewSQSQueue(sqs.NewFromConfig(cfg), queueURL, logger), nil
}

// Enqueue implements Queue.
func (q *SQSQueue) Enqueue(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal wakeup")
	}

	delay := time.Until(msg.At)
	if delay < 0 {
		delay = 0
	}
	if delay > sqsMaxDelay {
		delay = sqsMaxDelay
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return errors.Wrap(err, "failed to send wakeup to SQS")
	}
	return nil
}

// DequeueDue implements Queue. Messages delivered before their due time
// are re-enqueued with the remaining delay instead of being handed out.
func (q *SQSQueue) DequeueDue(ctx context.Context, now time.Time, max int) ([]Message, error) {
	if max > 10 {
		max = 10 // ReceiveMessage ceiling
	}
	resp, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to receive wakeups")
	}

	var out []Message
	for _, raw := range resp.Messages {
		var msg Message
		if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
			q.logger.Warn("dropping malformed wakeup message", map[string]interface{}{
				"error": err.Error(),
			})
			q.delete(ctx, raw.ReceiptHandle)
			continue
		}
		if msg.At.After(now) {
			q.delete(ctx, raw.ReceiptHandle)
			if err := q.Enqueue(ctx, msg); err != nil {
				q.logger.Error("failed to re-enqueue early wakeup", map[string]interface{}{
					"run_id": msg.RunID,
					"error":  err.Error(),
				})
			}
			continue
		}
		out = append(out, msg)
		q.delete(ctx, raw.ReceiptHandle)
	}
	return out, nil
}

func (q *SQSQueue) delete(ctx context.Context, receiptHandle *string) {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		q.logger.Warn("failed to delete wakeup message", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Close implements Queue.
func (q *SQSQueue) Close() error { return nil }
