package table

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/oriys/coffeeshop/internal/awsutil"
)

// DynamoDBAPI is the slice of the DynamoDB client the adapter consumes.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
}

// DynamoDB stores result rows in a DynamoDB table with a configurable
// partition-key attribute and a numeric ttl attribute for store-side eviction.
type DynamoDB struct {
	client DynamoDBAPI
	name   string
	pk     string
}

// ddbItem covers every attribute except the partition key, whose name is
// configured per deployment and therefore attached by hand.
type ddbItem struct {
	Success    bool   `dynamodbav:"success"`
	StatusCode int    `dynamodbav:"status_code"`
	Output     []byte `dynamodbav:"output,omitempty"`
	Error      string `dynamodbav:"error,omitempty"`
	TTL        int64  `dynamodbav:"ttl"`
}

// NewDynamoDB resolves AWS configuration and returns an adapter for the table.
func NewDynamoDB(ctx context.Context, name, partitionKey, region string) (*DynamoDB, error) {
	cfg, err := awsutil.LoadConfig(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("table: load aws config: %w", err)
	}
	return NewDynamoDBFromClient(dynamodb.NewFromConfig(cfg), name, partitionKey), nil
}

// NewDynamoDBFromClient wraps an existing client; used by tests.
func NewDynamoDBFromClient(client DynamoDBAPI, name, partitionKey string) *DynamoDB {
	return &DynamoDB{client: client, name: name, pk: partitionKey}
}

// Put writes one result row.
func (t *DynamoDB) Put(ctx context.Context, row *Row) error {
	if err := validatePut(row); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(ddbItem{
		Success:    row.Success,
		StatusCode: row.StatusCode,
		Output:     row.Output,
		Error:      row.Error,
		TTL:        row.Expiry.Unix(),
	})
	if err != nil {
		return fmt.Errorf("table: marshal row: %w", err)
	}
	item[t.pk] = &types.AttributeValueMemberS{Value: row.Ticket}

	_, err = t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.name),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("table: put %s: %w", row.Ticket, err)
	}
	return nil
}

// Get reads one row with a consistent read. Rows past their ttl are treated
// as absent even if DynamoDB has not evicted them yet.
func (t *DynamoDB) Get(ctx context.Context, ticket string) (*Row, error) {
	out, err := t.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.name),
		Key:            t.key(ticket),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("table: get %s: %w", ticket, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var item ddbItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("table: unmarshal %s: %w", ticket, err)
	}
	expiry := time.Unix(item.TTL, 0)
	if !expiry.After(time.Now()) {
		return nil, ErrNotFound
	}
	return &Row{
		Ticket:     ticket,
		Success:    item.Success,
		StatusCode: item.StatusCode,
		Output:     item.Output,
		Error:      item.Error,
		Expiry:     expiry,
	}, nil
}

// StatusBatch fetches success flags with one BatchGetItem, retrying
// unprocessed keys until the batch drains.
func (t *DynamoDB) StatusBatch(ctx context.Context, tickets []string) (map[string]bool, error) {
	if err := validateBatch(tickets); err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return map[string]bool{}, nil
	}

	keys := make([]map[string]types.AttributeValue, 0, len(tickets))
	for _, ticket := range tickets {
		keys = append(keys, t.key(ticket))
	}

	result := make(map[string]bool, len(tickets))
	request := map[string]types.KeysAndAttributes{
		t.name: {
			Keys:                     keys,
			ProjectionExpression:     aws.String("#pk, success, #ttl"),
			ExpressionAttributeNames: map[string]string{"#pk": t.pk, "#ttl": "ttl"},
		},
	}
	for len(request) > 0 {
		out, err := t.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: request,
		})
		if err != nil {
			return nil, fmt.Errorf("table: batch get: %w", err)
		}
		now := time.Now().Unix()
		for _, item := range out.Responses[t.name] {
			var row struct {
				Success bool  `dynamodbav:"success"`
				TTL     int64 `dynamodbav:"ttl"`
			}
			if err := attributevalue.UnmarshalMap(item, &row); err != nil {
				continue
			}
			if row.TTL <= now {
				continue
			}
			if pk, ok := item[t.pk].(*types.AttributeValueMemberS); ok {
				result[pk.Value] = row.Success
			}
		}
		request = out.UnprocessedKeys
		if kas, ok := request[t.name]; ok && len(kas.Keys) == 0 {
			break
		}
	}
	return result, nil
}

func (t *DynamoDB) key(ticket string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		t.pk: &types.AttributeValueMemberS{Value: ticket},
	}
}

// Close is a no-op; the DynamoDB client holds no persistent connection state.
func (t *DynamoDB) Close() error { return nil }
