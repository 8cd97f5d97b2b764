package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQSClient struct {
	sent     []*sqs.SendMessageInput
	messages []types.Message
	deleted  []string
}

func (f *fakeSQSClient) SendMessage(ctx context.Context, input *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, input)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQSClient) ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	n := int(input.MaxNumberOfMessages)
	if n > len(f.messages) {
		n = len(f.messages)
	}
	batch := f.messages[:n]
	f.messages = f.messages[n:]
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeSQSClient) DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(input.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQSClient) queueMessage(t *testing.T, msg Message, handle string) {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	f.messages = append(f.messages, types.Message{
		Body:          aws.String(string(body)),
		ReceiptHandle: aws.String(handle),
	})
}

func TestSQSEnqueueCapsDelay(t *testing.T) {
	client := &fakeSQSClient{}
	q := NewSQSQueue(client, "https://sqs.test/wakeups", nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Message{RunID: uuid.New(), At: time.Now().Add(24 * time.Hour)}))
	require.Len(t, client.sent, 1)
	assert.Equal(t, int32(900), client.sent[0].DelaySeconds)

	require.NoError(t, q.Enqueue(ctx, Message{RunID: uuid.New(), At: time.Now().Add(-time.Minute)}))
	assert.Equal(t, int32(0), client.sent[1].DelaySeconds)

	require.NoError(t, q.Enqueue(ctx, Message{RunID: uuid.New(), At: time.Now().Add(5 * time.Minute)}))
	delay := client.sent[2].DelaySeconds
	assert.InDelta(t, 300, delay, 2)
}

func TestSQSDequeueDeliversDueAndDeletes(t *testing.T) {
	client := &fakeSQSClient{}
	q := NewSQSQueue(client, "https://sqs.test/wakeups", nil)
	ctx := context.Background()
	now := time.Now().UTC()

	id := uuid.New()
	client.queueMessage(t, Message{RunID: id, At: now.Add(-time.Minute)}, "h1")

	msgs, err := q.DequeueDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].RunID)
	assert.Equal(t, []string{"h1"}, client.deleted)
}

func TestSQSDequeueReEnqueuesEarlyDeliveries(t *testing.T) {
	client := &fakeSQSClient{}
	q := NewSQSQueue(client, "https://sqs.test/wakeups", nil)
	ctx := context.Background()
	now := time.Now().UTC()

	// delivered before its due time, as happens when the delay was capped
	id := uuid.New()
	client.queueMessage(t, Message{RunID: id, At: now.Add(time.Hour)}, "early")

	msgs, err := q.DequeueDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, []string{"early"}, client.deleted)
	require.Len(t, client.sent, 1)

	var resent Message
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(client.sent[0].MessageBody)), &resent))
	assert.Equal(t, id, resent.RunID)
}

func TestSQSDequeueDropsMalformedBodies(t *testing.T) {
	client := &fakeSQSClient{}
	q := NewSQSQueue(client, "https://sqs.test/wakeups", nil)

	client.messages = append(client.messages, types.Message{
		Body:          aws.String("{not json"),
		ReceiptHandle: aws.String("bad"),
	})

	msgs, err := q.DequeueDue(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, []string{"bad"}, client.deleted)
}

func TestSQSDequeueCapsBatchAtTen(t *testing.T) {
	client := &fakeSQSClient{}
	q := NewSQSQueue(client, "https://sqs.test/wakeups", nil)
	now := time.Now().UTC()

	for i := 0; i < 12; i++ {
		client.queueMessage(t, Message{RunID: uuid.New(), At: now.Add(-time.Minute)}, "h")
	}

	msgs, err := q.DequeueDue(context.Background(), now, 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 10)
}
