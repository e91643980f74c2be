package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDBAPI is the subset of the DynamoDB client used by the lease.
type DDBAPI interface {
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type lockItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Holder     string `dynamodbav:"holder"`
	TTL        int64  `dynamodbav:"ttl"`
	AcquiredAt string `dynamodbav:"acquiredAt"`
}

// DynamoDB keeps the lease as one item with a TTL attribute, taken with a conditional put.
type DynamoDB struct {
	client    DDBAPI
	tableName string
	key       string
	region    string
	endpoint  string
	now       func() time.Time
}

// DynamoDBOption configures a DynamoDB lease.
type DynamoDBOption func(*DynamoDB)

// WithDDBClient sets a custom DynamoDB client (useful for testing).
func WithDDBClient(c DDBAPI) DynamoDBOption {
	return func(d *DynamoDB) { d.client = c }
}

// WithDDBRegion overrides the region from the default AWS config chain.
func WithDDBRegion(region string) DynamoDBOption {
	return func(d *DynamoDB) { d.region = region }
}

// WithDDBEndpoint points the client at DynamoDB Local.
func WithDDBEndpoint(endpoint string) DynamoDBOption {
	return func(d *DynamoDB) { d.endpoint = endpoint }
}

// NewDynamoDB creates a DynamoDB lease for the mirror identified by key.
func NewDynamoDB(ctx context.Context, tableName, key string, opts ...DynamoDBOption) (*DynamoDB, error) {
	if tableName == "" {
		return nil, fmt.Errorf("lock.table is required for the dynamodb lease")
	}
	d := &DynamoDB{tableName: tableName, key: key, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	if d.client != nil {
		return d, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if d.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(d.region))
	}
	// For DynamoDB Local: use static credentials and custom endpoint.
	if d.endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	var clientOpts []func(*dynamodb.Options)
	if d.endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(d.endpoint)
		})
	}
	d.client = dynamodb.NewFromConfig(cfg, clientOpts...)
	return d, nil
}

func (d *DynamoDB) pk() string { return "LOCK#" + d.key }

func lockSK() string { return "LOCK" }

// Acquire succeeds only if the lease item is absent, expired, or already ours.
func (d *DynamoDB) Acquire(ctx context.Context, holder string, ttl time.Duration) error {
	now := d.now()
	item, err := attributevalue.MarshalMap(lockItem{
		PK:         d.pk(),
		SK:         lockSK(),
		Holder:     holder,
		TTL:        now.Add(ttl).Unix(),
		AcquiredAt: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshaling lease: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &d.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #ttl < :now OR holder = :holder"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now":    &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":holder": &ddbtypes.AttributeValueMemberS{Value: holder},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrHeld
		}
		return fmt.Errorf("acquiring lease: %w", err)
	}
	return nil
}

// Release deletes the lease item if holder owns it.
func (d *DynamoDB) Release(ctx context.Context, holder string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &d.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: d.pk()},
			"SK": &ddbtypes.AttributeValueMemberS{Value: lockSK()},
		},
		ConditionExpression: aws.String("holder = :holder"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":holder": &ddbtypes.AttributeValueMemberS{Value: holder},
		},
	})
	if err != nil && !isConditionalCheckFailed(err) {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}

// isConditionalCheckFailed returns true if the error is a DynamoDB ConditionalCheckFailedException.
func isConditionalCheckFailed(err error) bool {
	var ccfe *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccfe)
}
