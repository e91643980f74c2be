package lease

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/regmirror/internal/storage"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

func TestStorageLease(t *testing.T) {
	ctx := context.Background()
	b, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewStorage(b)
	l.now = func() time.Time { return now }

	require.NoError(t, l.Acquire(ctx, "run-a", time.Hour))
	// Re-acquiring our own lease extends it.
	require.NoError(t, l.Acquire(ctx, "run-a", time.Hour))

	err = l.Acquire(ctx, "run-b", time.Hour)
	assert.ErrorIs(t, err, ErrHeld)

	// Releasing someone else's lease leaves it in place.
	require.NoError(t, l.Release(ctx, "run-b"))
	ok, err := b.Exists(ctx, storage.LockPath)
	require.NoError(t, err)
	assert.True(t, ok)

	// Expired leases can be taken over.
	now = now.Add(2 * time.Hour)
	require.NoError(t, l.Acquire(ctx, "run-b", time.Hour))

	require.NoError(t, l.Release(ctx, "run-b"))
	ok, err = b.Exists(ctx, storage.LockPath)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorageLease_CorruptFileIsExpired(t *testing.T) {
	ctx := context.Background()
	b, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, b.Write(ctx, storage.LockPath, []byte("{not json")))

	assert.NoError(t, NewStorage(b).Acquire(ctx, "run-a", time.Minute))
}

type mockDDB struct {
	putItemFn    func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	deleteItemFn func(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

func (m *mockDDB) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFn != nil {
		return m.putItemFn(ctx, input, opts...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDB) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteItemFn != nil {
		return m.deleteItemFn(ctx, input, opts...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoDBLease_Acquire(t *testing.T) {
	var captured *dynamodb.PutItemInput
	mock := &mockDDB{
		putItemFn: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			captured = input
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	l, err := NewDynamoDB(context.Background(), "locks", "mirror", WithDDBClient(mock))
	require.NoError(t, err)
	l.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	require.NoError(t, l.Acquire(context.Background(), "run-a", time.Minute))
	require.NotNil(t, captured)
	assert.Equal(t, "locks", *captured.TableName)
	assert.Contains(t, *captured.ConditionExpression, "attribute_not_exists(PK)")

	pk, ok := captured.Item["PK"].(*ddbtypes.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "LOCK#mirror", pk.Value)
	ttl, ok := captured.Item["ttl"].(*ddbtypes.AttributeValueMemberN)
	require.True(t, ok)
	assert.Equal(t, "1700000060", ttl.Value)
}

func TestDynamoDBLease_Held(t *testing.T) {
	mock := &mockDDB{
		putItemFn: func(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, &ddbtypes.ConditionalCheckFailedException{Message: strPtr("condition failed")}
		},
	}
	l, err := NewDynamoDB(context.Background(), "locks", "mirror", WithDDBClient(mock))
	require.NoError(t, err)
	assert.ErrorIs(t, l.Acquire(context.Background(), "run-b", time.Minute), ErrHeld)
}

func TestDynamoDBLease_ReleaseNotOwner(t *testing.T) {
	mock := &mockDDB{
		deleteItemFn: func(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
			return nil, &ddbtypes.ConditionalCheckFailedException{Message: strPtr("condition failed")}
		},
	}
	l, err := NewDynamoDB(context.Background(), "locks", "mirror", WithDDBClient(mock))
	require.NoError(t, err)
	assert.NoError(t, l.Release(context.Background(), "run-b"))
}

func TestNewDynamoDB_RequiresTable(t *testing.T) {
	_, err := NewDynamoDB(context.Background(), "", "mirror", WithDDBClient(&mockDDB{}))
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	b, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	l, err := Open(ctx, types.LockConfig{}, b, "m")
	require.NoError(t, err)
	assert.IsType(t, &Storage{}, l)

	l, err = Open(ctx, types.LockConfig{Provider: types.LockNone}, b, "m")
	require.NoError(t, err)
	assert.IsType(t, Noop{}, l)

	_, err = Open(ctx, types.LockConfig{Provider: "zookeeper"}, b, "m")
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }
