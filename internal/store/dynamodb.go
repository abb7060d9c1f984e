package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStore.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// counterItem is the single-table layout used for counters, values and sets.
// expires_at is compared in milliseconds on every read; ttl (seconds) lets
// DynamoDB's native TTL sweep eventually remove the row.
type counterItem struct {
	Key       string   `dynamodbav:"pk"`
	N         int64    `dynamodbav:"n,omitempty"`
	Val       string   `dynamodbav:"val,omitempty"`
	Members   []string `dynamodbav:"members,stringset,omitempty"`
	ExpiresAt int64    `dynamodbav:"expires_at,omitempty"`
	TTL       int64    `dynamodbav:"ttl,omitempty"`
}

func (it *counterItem) expired(now time.Time) bool {
	return it.ExpiresAt > 0 && now.UnixMilli() >= it.ExpiresAt
}

func (it *counterItem) remaining(now time.Time) time.Duration {
	if it.ExpiresAt == 0 {
		return 0
	}
	d := time.Duration(it.ExpiresAt-now.UnixMilli()) * time.Millisecond
	if d < 0 {
		return 0
	}
	return d
}

// maxIncrAttempts bounds the update/reset loop when two writers race to
// open a new window.
const maxIncrAttempts = 3

// DynamoDBStore implements CounterStore on a single DynamoDB table keyed by pk.
type DynamoDBStore struct {
	client DynamoDBAPI
	table  string
	now    func() time.Time
}

// NewDynamoDBStore creates a new DynamoDB counter store.
func NewDynamoDBStore(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{
		client: client,
		table:  table,
		now:    time.Now,
	}
}

func (s *DynamoDBStore) key(k string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"pk": &ddbtypes.AttributeValueMemberS{Value: k},
	}
}

func (s *DynamoDBStore) getItem(ctx context.Context, key string) (*counterItem, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var it counterItem
	if err := attributevalue.UnmarshalMap(result.Item, &it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	if it.expired(s.now()) {
		return nil, nil
	}
	return &it, nil
}

// Incr increments a counter inside its current window, or opens a new window
// when the previous one has expired.
func (s *DynamoDBStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		return s.incrNoExpiry(ctx, key)
	}

	for attempt := 0; attempt < maxIncrAttempts; attempt++ {
		now := s.now()

		// Increment only while the current window is live.
		out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.table),
			Key:                 s.key(key),
			UpdateExpression:    aws.String("ADD n :one"),
			ConditionExpression: aws.String("attribute_exists(pk) AND expires_at > :now"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":one": &ddbtypes.AttributeValueMemberN{Value: "1"},
				":now": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			},
			ReturnValues: ddbtypes.ReturnValueAllNew,
		})
		if err == nil {
			var it counterItem
			if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
				return 0, 0, fmt.Errorf("failed to unmarshal counter: %w", err)
			}
			return it.N, it.remaining(now), nil
		}
		if !isConditionCheckFailed(err) {
			return 0, 0, fmt.Errorf("failed to increment counter: %w", err)
		}

		// No live window: start one at 1, unless another writer beat us to it.
		expiresAt := now.Add(window)
		item, err := attributevalue.MarshalMap(counterItem{
			Key:       key,
			N:         1,
			ExpiresAt: expiresAt.UnixMilli(),
			TTL:       expiresAt.Unix() + 1,
		})
		if err != nil {
			return 0, 0, fmt.Errorf("failed to marshal counter: %w", err)
		}
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.table),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(pk) OR expires_at <= :now"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":now": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			},
		})
		if err == nil {
			return 1, window, nil
		}
		if !isConditionCheckFailed(err) {
			return 0, 0, fmt.Errorf("failed to reset counter: %w", err)
		}
	}

	return 0, 0, fmt.Errorf("failed to increment counter %q: too much contention", key)
}

func (s *DynamoDBStore) incrNoExpiry(ctx context.Context, key string) (int64, time.Duration, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(key),
		UpdateExpression: aws.String("ADD n :one REMOVE expires_at, #ttl"),
		// ttl is a reserved word in update expressions.
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":one": &ddbtypes.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: ddbtypes.ReturnValueAllNew,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	var it counterItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
		return 0, 0, fmt.Errorf("failed to unmarshal counter: %w", err)
	}
	return it.N, 0, nil
}

func (s *DynamoDBStore) Count(ctx context.Context, key string) (int64, error) {
	it, err := s.getItem(ctx, key)
	if err != nil || it == nil {
		return 0, err
	}
	return it.N, nil
}

func (s *DynamoDBStore) Get(ctx context.Context, key string) (string, error) {
	it, err := s.getItem(ctx, key)
	if err != nil {
		return "", err
	}
	if it == nil || it.Val == "" {
		return "", ErrNotFound
	}
	return it.Val, nil
}

func (s *DynamoDBStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	it := counterItem{Key: key, Val: value}
	if ttl > 0 {
		expiresAt := s.now().Add(ttl)
		it.ExpiresAt = expiresAt.UnixMilli()
		it.TTL = expiresAt.Unix() + 1
	}

	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put value: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key:       s.key(k),
		})
		if err != nil {
			return fmt.Errorf("failed to delete %q: %w", k, err)
		}
	}
	return nil
}

func (s *DynamoDBStore) SAdd(ctx context.Context, key, member string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(key),
		UpdateExpression: aws.String("ADD members :m"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":m": &ddbtypes.AttributeValueMemberSS{Value: []string{member}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to add set member: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) SRem(ctx context.Context, key, member string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(key),
		UpdateExpression: aws.String("DELETE members :m"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":m": &ddbtypes.AttributeValueMemberSS{Value: []string{member}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to remove set member: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	members, err := s.SMembers(ctx, key)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == member {
			return true, nil
		}
	}
	return false, nil
}

func (s *DynamoDBStore) SMembers(ctx context.Context, key string) ([]string, error) {
	it, err := s.getItem(ctx, key)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return []string{}, nil
	}
	return it.Members, nil
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return fmt.Errorf("failed to describe table %s: %w", s.table, err)
	}
	return nil
}

// isConditionCheckFailed checks if the error is a conditional check failure.
// The SDK wraps service errors, so the check unwraps.
func isConditionCheckFailed(err error) bool {
	if err == nil {
		return false
	}
	var condErr *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}
