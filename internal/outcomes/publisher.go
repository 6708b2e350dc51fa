// Package outcomes publishes finished send reports to an SQS queue for
// downstream analytics.
package outcomes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

// LogChunkSize is the most delivery logs carried by one message.
const LogChunkSize = 100

// MessageType distinguishes the messages of one report.
type MessageType string

const (
	MessageSummary MessageType = "send_summary"
	MessageLogs    MessageType = "delivery_logs"
)

// SQSAPI is the part of *sqs.Client the publisher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// LogChunk is one slice of a report's delivery logs.
type LogChunk struct {
	NotificationID string               `json:"notification_id"`
	Chunk          int                  `json:"chunk"`
	Chunks         int                  `json:"chunks"`
	Logs           []domain.DeliveryLog `json:"logs"`
}

// SQSPublisher implements dispatch.ReportSink.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	timeout  time.Duration
}

// NewSQSPublisher creates a publisher for queueURL.
func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL, timeout: 30 * time.Second}
}

// Publish sends the summary followed by the logs in chunks. It returns at
// once; the Task completes when every message is sent or one fails.
func (p *SQSPublisher) Publish(ctx context.Context, report dispatch.Report) *dispatch.Task {
	summary, err := json.Marshal(report)
	if err != nil {
		return dispatch.Completed(fmt.Errorf("marshal report %s: %w", report.NotificationID, err))
	}

	return dispatch.Go(func() error {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		if err := p.send(ctx, MessageSummary, report.NotificationID, summary); err != nil {
			return err
		}

		chunks := (len(report.Logs) + LogChunkSize - 1) / LogChunkSize
		for i := 0; i < chunks; i++ {
			end := (i + 1) * LogChunkSize
			if end > len(report.Logs) {
				end = len(report.Logs)
			}
			body, err := json.Marshal(LogChunk{
				NotificationID: report.NotificationID,
				Chunk:          i + 1,
				Chunks:         chunks,
				Logs:           report.Logs[i*LogChunkSize : end],
			})
			if err != nil {
				return fmt.Errorf("marshal log chunk %d of %s: %w", i+1, report.NotificationID, err)
			}
			if err := p.send(ctx, MessageLogs, report.NotificationID, body); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *SQSPublisher) send(ctx context.Context, typ MessageType, notificationID string, body []byte) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(typ)),
			},
			"notification_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(notificationID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s for %s: %w", typ, notificationID, err)
	}
	return nil
}
