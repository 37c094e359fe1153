package store

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo keeps items in insertion order and serves Query one page at a
// time so pagination is exercised.
type fakeDynamo struct {
	items    []map[string]types.AttributeValue
	pageSize int
	queries  int
	putErr   error
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.items = append(f.items, in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries++
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value

	var matched []map[string]types.AttributeValue
	for _, it := range f.items {
		if it["PK"].(*types.AttributeValueMemberS).Value == pk {
			matched = append(matched, it)
		}
	}
	start := 0
	if in.ExclusiveStartKey != nil {
		start, _ = strconv.Atoi(in.ExclusiveStartKey["offset"].(*types.AttributeValueMemberN).Value)
	}
	end := min(start+f.pageSize, len(matched))
	out := &dynamodb.QueryOutput{Items: matched[start:end]}
	if end < len(matched) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"offset": &types.AttributeValueMemberN{Value: strconv.Itoa(end)},
		}
	}
	return out, nil
}

func str(t *testing.T, item map[string]types.AttributeValue, key string) string {
	t.Helper()
	v, ok := item[key].(*types.AttributeValueMemberS)
	require.True(t, ok, "attribute %s is not a string", key)
	return v.Value
}

func TestPutAttemptKeysAndTTL(t *testing.T) {
	db := &fakeDynamo{pageSize: 10}
	ledger := NewDynamoLedger(db, "media-relay-ledger")
	fixed := time.Date(2026, 10, 19, 3, 30, 0, 0, time.UTC)
	ledger.now = func() time.Time { return fixed }

	a := &Attempt{
		RunID:     "run-1",
		AssetPath: "inbox/photo.png",
		AssetName: "photo.png",
		Success:   false,
		Deleted:   true,
		Legs: []LegRecord{{
			Platform: "instagram", Required: true, Attempted: true,
			State: "SUBMIT_FAILED", ErrorKind: "platform_rejected", ErrorCode: 10,
		}},
	}
	require.NoError(t, ledger.PutAttempt(context.Background(), a))
	require.Len(t, db.items, 1)

	item := db.items[0]
	assert.Equal(t, "ASSET#inbox/photo.png", str(t, item, "PK"))
	assert.Equal(t, runSK(fixed.Unix(), "run-1"), str(t, item, "SK"))
	assert.Equal(t, fixed.Unix(), a.StartedAt, "StartedAt defaults to now")

	ttl, ok := item["expiresAt"].(*types.AttributeValueMemberN)
	require.True(t, ok)
	assert.Equal(t, strconv.FormatInt(fixed.Add(AttemptTTL).Unix(), 10), ttl.Value)

	var back Attempt
	require.NoError(t, attributevalue.UnmarshalMap(item, &back))
	assert.Equal(t, 10, back.Legs[0].ErrorCode)
	assert.True(t, back.Deleted)
}

func TestListAttemptsPaginates(t *testing.T) {
	db := &fakeDynamo{pageSize: 2}
	ledger := NewDynamoLedger(db, "t")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, ledger.PutAttempt(ctx, &Attempt{RunID: "run-" + strconv.Itoa(i), AssetPath: "inbox/a.mp4", StartedAt: int64(i)}))
	}
	require.NoError(t, ledger.PutAttempt(ctx, &Attempt{RunID: "other", AssetPath: "inbox/b.mp4", StartedAt: 1}))

	got, err := ledger.ListAttempts(ctx, "inbox/a.mp4")
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Equal(t, 3, db.queries)
	assert.Equal(t, "run-1", got[0].RunID)
}

func TestPutAttemptError(t *testing.T) {
	ledger := NewDynamoLedger(&fakeDynamo{putErr: errors.New("throttled")}, "t")
	err := ledger.PutAttempt(context.Background(), &Attempt{RunID: "r", AssetPath: "p"})
	assert.ErrorContains(t, err, "throttled")
}

func TestRunSKSortsChronologically(t *testing.T) {
	assert.Less(t, runSK(9, "z"), runSK(10, "a"))
}

func TestMemoryLedger(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, m.PutAttempt(ctx, &Attempt{RunID: "b", AssetPath: "x", StartedAt: 2}))
	require.NoError(t, m.PutAttempt(ctx, &Attempt{RunID: "a", AssetPath: "x", StartedAt: 1}))
	require.NoError(t, m.PutAttempt(ctx, &Attempt{RunID: "a", AssetPath: "x", StartedAt: 1, Success: true}))

	got, err := m.ListAttempts(ctx, "x")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].RunID)
	assert.True(t, got[0].Success, "put replaces")
}
