package revalidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"edgecache/internal/apperr"
)

// Queue accepts revalidation requests for later processing.
type Queue interface {
	Enqueue(ctx context.Context, req Request) error
}

// Processor is what queue consumers hand requests to.
type Processor interface {
	Revalidate(ctx context.Context, req Request) (Result, error)
}

// Direct processes requests synchronously in the calling process. It is the
// queue used when no external queue is configured.
type Direct struct {
	Processor Processor
}

func (d Direct) Enqueue(ctx context.Context, req Request) error {
	_, err := d.Processor.Revalidate(ctx, req)
	return err
}

// SQSAPI is the subset of the SQS client the queue and poller use.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

const defaultGroupID = "revalidate"

// SQSQueue sends requests to an SQS queue. FIFO queues get a message group
// and a fresh deduplication id per message.
type SQSQueue struct {
	client  SQSAPI
	url     string
	groupID string
}

func NewSQSQueue(client SQSAPI, queueURL, groupID string) *SQSQueue {
	if groupID == "" {
		groupID = defaultGroupID
	}
	return &SQSQueue{client: client, url: queueURL, groupID: groupID}
}

func (q *SQSQueue) Enqueue(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return apperr.Invalid("queue.enqueue", err)
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	}
	if strings.HasSuffix(q.url, ".fifo") {
		in.MessageGroupId = aws.String(q.groupID)
		in.MessageDeduplicationId = aws.String(uuid.NewString())
	}
	if _, err := q.client.SendMessage(ctx, in); err != nil {
		return apperr.Unavailable("queue.enqueue", err)
	}
	return nil
}

// DecodeRequest parses a queue message body.
func DecodeRequest(body string) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return Request{}, apperr.Invalid("queue.decode", err)
	}
	if req.Tag == "" && len(req.Paths) == 0 {
		return Request{}, apperr.Invalid("queue.decode", errors.New("empty request"))
	}
	return req, nil
}

type PollerConfig struct {
	QueueURL string
	// WaitTime is the long-poll duration, at most 20s.
	WaitTime time.Duration
	// VisibilityTimeout overrides the queue default when set.
	VisibilityTimeout time.Duration
	MaxMessages       int32
}

// Poller long-polls an SQS queue and hands each message to a Processor.
// A message is deleted only after it was processed; failures are left for
// redelivery and the queue's dead-letter policy.
type Poller struct {
	client    SQSAPI
	cfg       PollerConfig
	processor Processor
	logger    *zap.Logger
}

func NewPoller(client SQSAPI, cfg PollerConfig, processor Processor, logger *zap.Logger) *Poller {
	if cfg.WaitTime <= 0 || cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	return &Poller{client: client, cfg: cfg, processor: processor, logger: logger.Named("poller")}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("polling revalidation queue", zap.String("queue", p.cfg.QueueURL))
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := p.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("receive failed", zap.Error(err), zap.Duration("retryIn", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second
		if n > 0 {
			p.logger.Debug("processed batch", zap.Int("messages", n))
		}
	}
}

// PollOnce receives one batch and processes it sequentially. It returns the
// number of messages received.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.cfg.QueueURL),
		MaxNumberOfMessages: p.cfg.MaxMessages,
		WaitTimeSeconds:     int32(p.cfg.WaitTime / time.Second),
	}
	if p.cfg.VisibilityTimeout > 0 {
		in.VisibilityTimeout = int32(p.cfg.VisibilityTimeout / time.Second)
	}
	out, err := p.client.ReceiveMessage(ctx, in)
	if err != nil {
		return 0, apperr.Unavailable("queue.receive", err)
	}
	for _, m := range out.Messages {
		p.handle(ctx, m)
	}
	return len(out.Messages), nil
}

func (p *Poller) handle(ctx context.Context, m types.Message) {
	id := aws.ToString(m.MessageId)
	req, err := DecodeRequest(aws.ToString(m.Body))
	if err != nil {
		p.logger.Warn("undecodable message left for dead-lettering", zap.String("messageId", id), zap.Error(err))
		return
	}
	if _, err := p.processor.Revalidate(ctx, req); err != nil {
		p.logger.Warn("revalidation failed, message will be redelivered", zap.String("messageId", id), zap.Error(err))
		return
	}
	_, err = p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.cfg.QueueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		p.logger.Warn("delete message failed", zap.String("messageId", id), zap.Error(fmt.Errorf("delete: %w", err)))
	}
}
