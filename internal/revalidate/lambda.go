package revalidate

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"
)

// LambdaHandler consumes SQS batches delivered to a Lambda function and
// reports the messages that must be retried.
type LambdaHandler struct {
	Processor Processor
	Logger    *zap.Logger
}

func (h *LambdaHandler) HandleSQSEvent(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, m := range ev.Records {
		req, err := DecodeRequest(m.Body)
		if err != nil {
			h.Logger.Warn("undecodable message", zap.String("messageId", m.MessageId), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: m.MessageId})
			continue
		}
		if _, err := h.Processor.Revalidate(ctx, req); err != nil {
			h.Logger.Warn("revalidation failed", zap.String("messageId", m.MessageId), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: m.MessageId})
		}
	}
	return resp, nil
}
