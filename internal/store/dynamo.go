package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix = "ASSET#"
	skRun    = "RUN#"
)

// DynamoAPI is the subset of the DynamoDB client the ledger uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoLedger implements Ledger using AWS DynamoDB.
type DynamoLedger struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// Compile-time interface check.
var _ Ledger = (*DynamoLedger)(nil)

// NewDynamoLedger creates a DynamoLedger for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoLedger(client DynamoAPI, tableName string) *DynamoLedger {
	return &DynamoLedger{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

// --- Internal helpers ---

func assetPK(assetPath string) string {
	return pkPrefix + assetPath
}

// runSK sorts attempts chronologically within an asset.
func runSK(startedAt int64, runID string) string {
	return fmt.Sprintf("%s%020d#%s", skRun, startedAt, runID)
}

// putItem marshals a domain object and writes it with PK, SK, and TTL.
func (s *DynamoLedger) putItem(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	// Add key and TTL attributes (overwrite any conflicting keys from the data).
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Add(AttemptTTL).Unix(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// queryBySKPrefix returns all items for pk whose SK begins with skPrefix.
func (s *DynamoLedger) queryBySKPrefix(ctx context.Context, pk, skPrefix string) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skPrefix},
		},
	}

	var allItems []map[string]types.AttributeValue

	// DynamoDB returns up to 1MB per Query call.
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s SK prefix=%s: %w", pk, skPrefix, err)
		}
		allItems = append(allItems, result.Items...)

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return allItems, nil
}

// --- Attempt operations ---

func (s *DynamoLedger) PutAttempt(ctx context.Context, a *Attempt) error {
	if a.StartedAt == 0 {
		a.StartedAt = s.now().Unix()
	}
	pk, sk := assetPK(a.AssetPath), runSK(a.StartedAt, a.RunID)
	if err := s.putItem(ctx, pk, sk, a); err != nil {
		return err
	}
	log.Debug().Str("pk", pk).Str("sk", sk).Bool("success", a.Success).Msg("Attempt recorded")
	return nil
}

func (s *DynamoLedger) ListAttempts(ctx context.Context, assetPath string) ([]Attempt, error) {
	items, err := s.queryBySKPrefix(ctx, assetPK(assetPath), skRun)
	if err != nil {
		return nil, err
	}
	out := make([]Attempt, 0, len(items))
	for _, item := range items {
		var a Attempt
		if err := attributevalue.UnmarshalMap(item, &a); err != nil {
			return nil, fmt.Errorf("unmarshal attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}
