package ddb

import (
	"confstore/internal/codec"
	"confstore/internal/types"
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// maxCASAttempts bounds the read-then-CAS loop used by unconditional puts.
const maxCASAttempts = 32

type repoItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	CreatedAt int64  `dynamodbav:"created_at"`
}

// entryItem is the current revision of an entry. Gen is assigned when the entry is created and
// scopes its history partition, so history left behind by a removed entry is never read again.
type entryItem struct {
	PK  string `dynamodbav:"PK"`
	SK  string `dynamodbav:"SK"`
	Key string `dynamodbav:"key"`
	Val []byte `dynamodbav:"val"`
	Ver int64  `dynamodbav:"ver"`
	Gen string `dynamodbav:"gen"`
}

type historyItem struct {
	PK  string `dynamodbav:"PK"`
	SK  string `dynamodbav:"SK"`
	Val []byte `dynamodbav:"val"`
	Ver int64  `dynamodbav:"ver"`
}

// Store implements ports.RepositoryStore on a single DynamoDB table.
type Store struct {
	table   string
	cli     *dynamodb.Client
	codec   codec.Codec
	timeout time.Duration
}

// NewStore makes sure the table exists before returning.
func NewStore(ctx context.Context, table string, cli *dynamodb.Client, c codec.Codec, timeout time.Duration) (*Store, error) {
	if err := createTableIfNotExists(ctx, cli, table); err != nil {
		return nil, err
	}
	return &Store{table: table, cli: cli, codec: c, timeout: timeout}, nil
}

func (s *Store) CreateRepository(ctx context.Context, repo types.RepositoryID) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	av, err := attributevalue.MarshalMap(repoItem{
		PK:        pkNamespace(repo.Namespace),
		SK:        skRepo(repo.Name),
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return types.DataAccessErr(err, "ddb marshal repository")
	}
	_, err = s.cli.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.table,
		Item:                av,
		ConditionExpression: awsString("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var cc *ddbTypes.ConditionalCheckFailedException
		if errorAs(err, &cc) {
			return types.RepositoryExistsErr(repo)
		}
		return translate(err, "create repository")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key types.EntryKey) (types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	item, err := s.loadEntry(ctx, key)
	if err != nil {
		return types.Entry{}, err
	}
	val, err := s.decode(item.Val)
	if err != nil {
		return types.Entry{}, err
	}
	return types.Entry{Key: key.Key, Value: val, Version: item.Ver}, nil
}

func (s *Store) GetVersion(ctx context.Context, key types.EntryKey, version int64) (types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	item, err := s.loadEntry(ctx, key)
	if err != nil {
		return types.Entry{}, err
	}
	out, err := s.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		ConsistentRead: awsBool(true),
		Key:            keyOf(pkHistory(key.Namespace, key.Name, item.Gen, key.Key), skVersion(version)),
	})
	if err != nil {
		return types.Entry{}, translate(err, "get version")
	}
	if out.Item == nil {
		return types.Entry{}, types.KeyVersionNotFoundErr(key.Key, version)
	}
	var h historyItem
	if err := attributevalue.UnmarshalMap(out.Item, &h); err != nil {
		return types.Entry{}, types.DataAccessErr(err, "ddb unmarshal history")
	}
	val, err := s.decode(h.Val)
	if err != nil {
		return types.Entry{}, err
	}
	return types.Entry{Key: key.Key, Value: val, Version: h.Ver}, nil
}

func (s *Store) History(ctx context.Context, key types.EntryKey) ([]types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	item, err := s.loadEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	var out []types.Entry
	p := dynamodb.NewQueryPaginator(s.cli, &dynamodb.QueryInput{
		TableName:              &s.table,
		ConsistentRead:         awsBool(true),
		KeyConditionExpression: awsString("PK = :pk"),
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":pk": &ddbTypes.AttributeValueMemberS{Value: pkHistory(key.Namespace, key.Name, item.Gen, key.Key)},
		},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, translate(err, "history")
		}
		var hs []historyItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &hs); err != nil {
			return nil, types.DataAccessErr(err, "ddb unmarshal history")
		}
		for _, h := range hs {
			// revisions written after the entry was read belong to a later snapshot
			if h.Ver > item.Ver {
				continue
			}
			val, err := s.decode(h.Val)
			if err != nil {
				return nil, err
			}
			out = append(out, types.Entry{Key: key.Key, Value: val, Version: h.Ver})
		}
	}
	return out, nil
}

// Put with an explicit expectation is a single conditional transaction. AnyVersion reads the
// current revision and retries the CAS until it wins or maxCASAttempts is reached.
func (s *Store) Put(ctx context.Context, key types.EntryKey, value types.Value, expected int64) (int64, error) {
	if expected < types.AnyVersion {
		return 0, types.ValidateExpected(expected)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	encoded := s.codec.Encode(value)

	if expected != types.AnyVersion {
		return s.putOnce(ctx, key, encoded, expected)
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.loadEntry(ctx, key)
		exp := types.CreateOnly
		switch types.KindOf(err) {
		case types.KindUnknown:
			exp = cur.Ver
		case types.KeyNotFound:
		default:
			return 0, err
		}
		next, err := s.putOnce(ctx, key, encoded, exp)
		if types.KindOf(err) == types.VersionConflict {
			continue
		}
		return next, err
	}
	return 0, types.DataAccessErr(nil, "ddb put: too much contention on key '%s'", key.Key)
}

func (s *Store) putOnce(ctx context.Context, key types.EntryKey, encoded []byte, expected int64) (int64, error) {
	var (
		gen       string
		next      int64
		condition string
		names     map[string]string
		values    map[string]ddbTypes.AttributeValue
	)
	if expected == types.CreateOnly {
		gen = uuid.NewString()
		next = 1
		condition = "attribute_not_exists(PK)"
	} else {
		cur, err := s.loadEntry(ctx, key)
		if err != nil {
			if types.KindOf(err) == types.KeyNotFound {
				return 0, types.VersionConflictErr(key.Key, expected)
			}
			return 0, err
		}
		if cur.Ver != expected {
			return 0, types.VersionConflictErr(key.Key, expected)
		}
		gen = cur.Gen
		next = expected + 1
		condition = "#ver = :prev AND #gen = :gen"
		names = map[string]string{"#ver": "ver", "#gen": "gen"}
		values = map[string]ddbTypes.AttributeValue{
			":prev": &ddbTypes.AttributeValueMemberN{Value: itoa(expected)},
			":gen":  &ddbTypes.AttributeValueMemberS{Value: gen},
		}
	}

	entryAV, err := attributevalue.MarshalMap(entryItem{
		PK:  pkRepo(key.Namespace, key.Name),
		SK:  skEntry(key.Key),
		Key: key.Key,
		Val: encoded,
		Ver: next,
		Gen: gen,
	})
	if err != nil {
		return 0, types.DataAccessErr(err, "ddb marshal entry")
	}
	histAV, err := attributevalue.MarshalMap(historyItem{
		PK:  pkHistory(key.Namespace, key.Name, gen, key.Key),
		SK:  skVersion(next),
		Val: encoded,
		Ver: next,
	})
	if err != nil {
		return 0, types.DataAccessErr(err, "ddb marshal history")
	}

	_, err = s.cli.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []ddbTypes.TransactWriteItem{
			{ConditionCheck: &ddbTypes.ConditionCheck{
				TableName:           &s.table,
				Key:                 keyOf(pkNamespace(key.Namespace), skRepo(key.Name)),
				ConditionExpression: awsString("attribute_exists(PK)"),
			}},
			{Put: &ddbTypes.Put{
				TableName:                 &s.table,
				Item:                      entryAV,
				ConditionExpression:       &condition,
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			}},
			{Put: &ddbTypes.Put{
				TableName: &s.table,
				Item:      histAV,
			}},
		},
	})
	if err != nil {
		failed := cancelledItems(err)
		switch {
		case failed[0]:
			return 0, types.RepositoryNotFoundErr(key.RepositoryID)
		case failed[1]:
			return 0, types.VersionConflictErr(key.Key, expected)
		}
		return 0, translate(err, "put")
	}
	return next, nil
}

func (s *Store) Remove(ctx context.Context, key types.EntryKey) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	out, err := s.cli.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           &s.table,
		Key:                 keyOf(pkRepo(key.Namespace, key.Name), skEntry(key.Key)),
		ConditionExpression: awsString("attribute_exists(PK)"),
		ReturnValues:        ddbTypes.ReturnValueAllOld,
	})
	if err != nil {
		var cc *ddbTypes.ConditionalCheckFailedException
		if !errorAs(err, &cc) {
			return "", translate(err, "remove")
		}
		if err := s.requireRepository(ctx, key.RepositoryID); err != nil {
			return "", err
		}
		return "", types.KeyNotFoundErr(key.Key)
	}
	var old entryItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &old); err == nil && old.Gen != "" {
		s.sweepHistory(ctx, pkHistory(key.Namespace, key.Name, old.Gen, key.Key))
	}
	return key.Key, nil
}

// Entries pages through a consistent Query. Pages are read one after another, so a listing that
// spans pages can interleave with concurrent writes.
func (s *Store) Entries(ctx context.Context, repo types.RepositoryID) ([]types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.requireRepository(ctx, repo); err != nil {
		return nil, err
	}
	out := []types.Entry{}
	p := dynamodb.NewQueryPaginator(s.cli, &dynamodb.QueryInput{
		TableName:              &s.table,
		ConsistentRead:         awsBool(true),
		KeyConditionExpression: awsString("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":pk":     &ddbTypes.AttributeValueMemberS{Value: pkRepo(repo.Namespace, repo.Name)},
			":prefix": &ddbTypes.AttributeValueMemberS{Value: skEntryPrefix()},
		},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, translate(err, "entries")
		}
		var items []entryItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, types.DataAccessErr(err, "ddb unmarshal entries")
		}
		for _, it := range items {
			val, err := s.decode(it.Val)
			if err != nil {
				return nil, err
			}
			out = append(out, types.Entry{Key: it.Key, Value: val, Version: it.Ver})
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

// loadEntry reads the current revision, telling a missing repository from a missing key.
func (s *Store) loadEntry(ctx context.Context, key types.EntryKey) (*entryItem, error) {
	out, err := s.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		ConsistentRead: awsBool(true),
		Key:            keyOf(pkRepo(key.Namespace, key.Name), skEntry(key.Key)),
	})
	if err != nil {
		return nil, translate(err, "get")
	}
	if out.Item == nil {
		if err := s.requireRepository(ctx, key.RepositoryID); err != nil {
			return nil, err
		}
		return nil, types.KeyNotFoundErr(key.Key)
	}
	var item entryItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, types.DataAccessErr(err, "ddb unmarshal entry")
	}
	return &item, nil
}

func (s *Store) requireRepository(ctx context.Context, repo types.RepositoryID) error {
	out, err := s.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		ConsistentRead: awsBool(true),
		Key:            keyOf(pkNamespace(repo.Namespace), skRepo(repo.Name)),
	})
	if err != nil {
		return translate(err, "get repository")
	}
	if out.Item == nil {
		return types.RepositoryNotFoundErr(repo)
	}
	return nil
}

// sweepHistory drops the history partition of a removed entry. Failures are only logged:
// the partition is unreachable once the entry is gone.
func (s *Store) sweepHistory(ctx context.Context, pk string) {
	p := dynamodb.NewQueryPaginator(s.cli, &dynamodb.QueryInput{
		TableName:              &s.table,
		KeyConditionExpression: awsString("PK = :pk"),
		ProjectionExpression:   awsString("PK, SK"),
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":pk": &ddbTypes.AttributeValueMemberS{Value: pk},
		},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			log.WithError(err).WithField("pk", pk).Warn("ddb: history sweep failed")
			return
		}
		for start := 0; start < len(page.Items); start += 25 {
			end := min(start+25, len(page.Items))
			reqs := make([]ddbTypes.WriteRequest, 0, end-start)
			for _, it := range page.Items[start:end] {
				reqs = append(reqs, ddbTypes.WriteRequest{DeleteRequest: &ddbTypes.DeleteRequest{Key: it}})
			}
			_, err := s.cli.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]ddbTypes.WriteRequest{s.table: reqs},
			})
			if err != nil {
				log.WithError(err).WithField("pk", pk).Warn("ddb: history sweep failed")
				return
			}
		}
	}
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) decode(b []byte) (types.Value, error) {
	out, err := s.codec.Decode(b)
	if err != nil {
		return nil, types.DataAccessErr(err, "ddb: undecodable value")
	}
	return out, nil
}

// cancelledItems reports which transaction items failed their condition.
func cancelledItems(err error) map[int]bool {
	failed := map[int]bool{}
	var tce *ddbTypes.TransactionCanceledException
	if !errorAs(err, &tce) {
		return failed
	}
	for i, r := range tce.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			failed[i] = true
		}
	}
	return failed
}

func translate(err error, op string) error {
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	return types.DataAccessErr(err, "ddb %s failed", op)
}

func keyOf(pk, sk string) map[string]ddbTypes.AttributeValue {
	return map[string]ddbTypes.AttributeValue{
		"PK": &ddbTypes.AttributeValueMemberS{Value: pk},
		"SK": &ddbTypes.AttributeValueMemberS{Value: sk},
	}
}

func itoa(i int64) string                { return strconv.FormatInt(i, 10) }
func awsString(s string) *string         { return &s }
func awsBool(b bool) *bool               { return &b }
func errorAs(err error, target any) bool { return errors.As(err, target) }
