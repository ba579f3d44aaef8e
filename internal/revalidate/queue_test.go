package revalidate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"edgecache/internal/apperr"
)

type fakeSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	sendErr  error
	inbox    []types.Message
	received []*sqs.ReceiveMessageInput
	deleted  []string
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, in)
	msgs := f.inbox
	f.inbox = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type stubProcessor struct {
	mu   sync.Mutex
	seen []Request
	fail map[string]bool
}

func (p *stubProcessor) Revalidate(_ context.Context, req Request) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, req)
	if p.fail[req.Tag] {
		return Result{}, apperr.Unavailable("tagindex.query", errors.New("throttled"))
	}
	return Result{}, nil
}

func message(id, body string) types.Message {
	return types.Message{MessageId: aws.String(id), ReceiptHandle: aws.String("rh-" + id), Body: aws.String(body)}
}

func TestSQSQueueStandard(t *testing.T) {
	f := &fakeSQS{}
	q := NewSQSQueue(f, "https://sqs.eu-west-1.amazonaws.com/1/revalidate", "")

	require.NoError(t, q.Enqueue(context.Background(), Request{Paths: []string{"/a"}, Tag: "t1"}))

	require.Len(t, f.sent, 1)
	assert.Nil(t, f.sent[0].MessageGroupId)
	assert.Nil(t, f.sent[0].MessageDeduplicationId)
	var got Request
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(f.sent[0].MessageBody)), &got))
	assert.Equal(t, Request{Paths: []string{"/a"}, Tag: "t1"}, got)
}

func TestSQSQueueFIFO(t *testing.T) {
	f := &fakeSQS{}
	q := NewSQSQueue(f, "https://sqs.eu-west-1.amazonaws.com/1/revalidate.fifo", "")

	require.NoError(t, q.Enqueue(context.Background(), Request{Paths: []string{"/a"}}))
	require.NoError(t, q.Enqueue(context.Background(), Request{Paths: []string{"/a"}}))

	require.Len(t, f.sent, 2)
	assert.Equal(t, defaultGroupID, aws.ToString(f.sent[0].MessageGroupId))
	assert.NotEmpty(t, aws.ToString(f.sent[0].MessageDeduplicationId))
	assert.NotEqual(t, aws.ToString(f.sent[0].MessageDeduplicationId), aws.ToString(f.sent[1].MessageDeduplicationId))
}

func TestSQSQueueSendFailure(t *testing.T) {
	f := &fakeSQS{sendErr: errors.New("denied")}

	err := NewSQSQueue(f, "q", "g").Enqueue(context.Background(), Request{Tag: "t"})

	assert.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(err))
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest(`{"paths":["/x"],"tag":"t"}`)
	require.NoError(t, err)
	assert.Equal(t, Request{Paths: []string{"/x"}, Tag: "t"}, req)

	_, err = DecodeRequest(`{}`)
	assert.True(t, apperr.IsInvalid(err))
	_, err = DecodeRequest(`not json`)
	assert.True(t, apperr.IsInvalid(err))
}

func TestDirectQueue(t *testing.T) {
	p := &stubProcessor{}

	require.NoError(t, Direct{Processor: p}.Enqueue(context.Background(), Request{Tag: "t"}))

	assert.Equal(t, []Request{{Tag: "t"}}, p.seen)
}

func TestPollerDeletesOnlyProcessedMessages(t *testing.T) {
	f := &fakeSQS{inbox: []types.Message{
		message("ok", `{"tag":"good"}`),
		message("bad", `{"tag":"broken"}`),
		message("junk", `{`),
	}}
	p := &stubProcessor{fail: map[string]bool{"broken": true}}
	poller := NewPoller(f, PollerConfig{QueueURL: "q", VisibilityTimeout: 45 * time.Second}, p, zap.NewNop())

	n, err := poller.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"rh-ok"}, f.deleted)
	assert.Len(t, p.seen, 2)
	require.Len(t, f.received, 1)
	assert.Equal(t, int32(10), f.received[0].MaxNumberOfMessages)
	assert.Equal(t, int32(20), f.received[0].WaitTimeSeconds)
	assert.Equal(t, int32(45), f.received[0].VisibilityTimeout)
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewPoller(&fakeSQS{}, PollerConfig{QueueURL: "q"}, &stubProcessor{}, zap.NewNop()).Run(ctx)

	assert.NoError(t, err)
}

func TestLambdaHandlerReportsFailures(t *testing.T) {
	p := &stubProcessor{fail: map[string]bool{"broken": true}}
	h := &LambdaHandler{Processor: p, Logger: zap.NewNop()}

	resp, err := h.HandleSQSEvent(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "1", Body: `{"tag":"good"}`},
		{MessageId: "2", Body: `{"tag":"broken"}`},
		{MessageId: "3", Body: `nope`},
	}})
	require.NoError(t, err)

	assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "2"}, {ItemIdentifier: "3"}}, resp.BatchItemFailures)
}
