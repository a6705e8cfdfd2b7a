package sink

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/gosight/gosight/tracker/internal/tracker"
)

type putItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type dynamoItem struct {
	EventID   string         `dynamodbav:"event_id"`
	SessionID string         `dynamodbav:"session_id"`
	UserID    string         `dynamodbav:"user_id"`
	EventType string         `dynamodbav:"event_type"`
	ContentID string         `dynamodbav:"content_id,omitempty"`
	Timestamp int64          `dynamodbav:"timestamp"`
	Metadata  map[string]any `dynamodbav:"metadata,omitempty"`
}

// DynamoDB stores each event as an item keyed by event_id.
type DynamoDB struct {
	client    putItemAPI
	tableName string
}

func NewDynamoDB(client putItemAPI, tableName string) *DynamoDB {
	return &DynamoDB{client: client, tableName: tableName}
}

func (d *DynamoDB) SendEvent(ctx context.Context, e tracker.Event) error {
	item, err := attributevalue.MarshalMap(dynamoItem{
		EventID:   e.ID,
		SessionID: e.SessionID,
		UserID:    e.UserID(),
		EventType: string(e.Type),
		ContentID: e.ContentID,
		Timestamp: e.Timestamp,
		Metadata:  e.Metadata,
	})
	if err != nil {
		return fmt.Errorf("dynamodb sink: marshal event %s: %w", e.ID, err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamodb sink: put event %s: %w", e.ID, err)
	}
	return nil
}
