// Package dynamo stores the account pool in a DynamoDB table keyed by account_id.
//
// The item layout matches the pool table provisioned for the sandbox accounts:
//
//	account_id      S  (hash key)
//	status          S
//	lease_timestamp S  (optional, ISO-8601)
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sandbox-infra/account-pool/internal/pool"
)

const (
	attrAccountID      = "account_id"
	attrStatus         = "status"
	attrLeaseTimestamp = "lease_timestamp"
)

var ErrInvalidConfig = errors.New("pool/dynamo: invalid config")

// Client is the subset of the DynamoDB API used by Store.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type Store struct {
	client Client
	table  string
	now    func() time.Time
}

func New(client Client, table string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil dynamodb client", ErrInvalidConfig)
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, fmt.Errorf("%w: table name is required", ErrInvalidConfig)
	}
	return &Store{client: client, table: table, now: time.Now}, nil
}

func (s *Store) Get(ctx context.Context, accountID string) (pool.AccountRecord, error) {
	if s == nil || s.client == nil {
		return pool.AccountRecord{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if accountID == "" {
		return pool.AccountRecord{}, pool.ErrInvalidInput
	}

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(accountID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return pool.AccountRecord{}, fmt.Errorf("pool/dynamo: get %q: %w", accountID, err)
	}
	if len(out.Item) == 0 {
		return pool.AccountRecord{}, pool.ErrNotFound
	}
	return decodeItem(out.Item)
}

func (s *Store) ScanByStatus(ctx context.Context, status pool.Status) ([]pool.AccountRecord, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if !status.Valid() {
		return nil, pool.ErrInvalidInput
	}

	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          aws.String("#s = :status"),
		ExpressionAttributeNames:  map[string]string{"#s": attrStatus},
		ExpressionAttributeValues: map[string]types.AttributeValue{":status": str(string(status))},
	})

	var out []pool.AccountRecord
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("pool/dynamo: scan %s: %w", status, err)
		}
		for _, item := range page.Items {
			rec, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
		Select:    types.SelectCount,
	})
	total := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("pool/dynamo: count: %w", err)
		}
		total += int(page.Count)
	}
	return total, nil
}

func (s *Store) Transition(ctx context.Context, accountID string, expected, next pool.Status, op pool.TimestampOp) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := pool.ValidateTransition(accountID, expected, next, op); err != nil {
		return err
	}

	values := map[string]types.AttributeValue{
		":expected": str(string(expected)),
		":next":     str(string(next)),
	}
	var update string
	switch op {
	case pool.TimestampSet:
		update = "SET #s = :next, " + attrLeaseTimestamp + " = :ts"
		values[":ts"] = str(pool.FormatTimestamp(s.now()))
	case pool.TimestampClear:
		update = "SET #s = :next REMOVE " + attrLeaseTimestamp
	default:
		update = "SET #s = :next"
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 key(accountID),
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String("attribute_exists(" + attrAccountID + ") AND #s = :expected"),
		ExpressionAttributeNames:            map[string]string{"#s": attrStatus},
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return pool.ErrNotFound
		}
		return pool.ErrConflict
	}
	return fmt.Errorf("pool/dynamo: transition %q: %w", accountID, err)
}

func (s *Store) Register(ctx context.Context, accountID string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if accountID == "" {
		return false, pool.ErrInvalidInput
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrAccountID: str(accountID),
			attrStatus:    str(string(pool.StatusAvailable)),
		},
		ConditionExpression: aws.String("attribute_not_exists(" + attrAccountID + ")"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("pool/dynamo: register %q: %w", accountID, err)
	}
	return true, nil
}

func key(accountID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrAccountID: str(accountID)}
}

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func decodeItem(item map[string]types.AttributeValue) (pool.AccountRecord, error) {
	id, ok := stringAttr(item, attrAccountID)
	if !ok || id == "" {
		return pool.AccountRecord{}, fmt.Errorf("pool/dynamo: item missing %s", attrAccountID)
	}
	status, _ := stringAttr(item, attrStatus)
	ts, _ := stringAttr(item, attrLeaseTimestamp)
	return pool.AccountRecord{
		AccountID:      id,
		Status:         pool.Status(status),
		LeaseTimestamp: ts,
	}, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, bool) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}
