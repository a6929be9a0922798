// Package dynamostore keeps entities in DynamoDB.
//
// Table schema:
//   - Partition key: id (string)
//   - One global secondary index per level, named geocell_<L>-index, with
//     partition key geocell_<L> and sort key id, projecting all attributes.
//
// Cell attributes are stored with a one byte prefix because DynamoDB rejects
// empty strings as index keys and the level 0 token is empty.
package dynamostore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/core/observability"
	"github.com/mohammed-shakir/geocell-index/internal/indexer"
	"github.com/mohammed-shakir/geocell-index/internal/store"
)

const (
	backend     = "dynamodb"
	cellPrefix  = "#"
	attrID      = "id"
	attrLat     = "lat"
	attrLng     = "lng"
	attrAttrs   = "attrs"
	indexSuffix = "-index"
)

// Client is the subset of the DynamoDB API the store uses.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type Config struct {
	Table    string
	MaxLevel int
}

type Store struct {
	client   Client
	table    string
	maxLevel int
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Getter = (*Store)(nil)
	_ store.Pinger = (*Store)(nil)
)

func New(client Client, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamodb table name is required")
	}
	if _, err := indexer.New(indexer.Config{MaxLevel: cfg.MaxLevel}); err != nil {
		return nil, err
	}
	return &Store{client: client, table: cfg.Table, maxLevel: cfg.MaxLevel}, nil
}

// NewClient loads the default AWS configuration. A non-empty endpoint points
// the client at DynamoDB Local or another compatible service.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func IndexName(level int) string { return indexer.FieldName(level) + indexSuffix }

func (s *Store) Ping(ctx context.Context) error {
	start := time.Now()
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	observability.ObserveStoreOp(backend, "ping", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("dynamodb describe %s: %w", s.table, err)
	}
	return nil
}

// Put writes the whole item in one PutItem, which replaces every attribute.
func (s *Store) Put(ctx context.Context, e indexer.Entity) error {
	if e.ID() == "" {
		return fmt.Errorf("%w: empty id", model.ErrInvalidEntity)
	}
	if e.MaxLevel() < s.maxLevel {
		return fmt.Errorf("%w: entity indexed to level %d, table needs %d", model.ErrInvalidEntity, e.MaxLevel(), s.maxLevel)
	}
	item := map[string]types.AttributeValue{
		attrID:  &types.AttributeValueMemberS{Value: e.ID()},
		attrLat: &types.AttributeValueMemberN{Value: strconv.FormatFloat(e.Coordinate().Lat, 'g', -1, 64)},
		attrLng: &types.AttributeValueMemberN{Value: strconv.FormatFloat(e.Coordinate().Lng, 'g', -1, 64)},
	}
	if attrs := e.Attrs(); len(attrs) > 0 {
		m := make(map[string]types.AttributeValue, len(attrs))
		for k, v := range attrs {
			m[k] = &types.AttributeValueMemberS{Value: v}
		}
		item[attrAttrs] = &types.AttributeValueMemberM{Value: m}
	}
	for l := 0; l <= s.maxLevel; l++ {
		tok, _ := e.Cell(l)
		item[indexer.FieldName(l)] = &types.AttributeValueMemberS{Value: cellPrefix + tok}
	}

	start := time.Now()
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item})
	observability.ObserveStoreOp(backend, "put", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("dynamodb put %q: %w", e.ID(), err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 map[string]types.AttributeValue{attrID: &types.AttributeValueMemberS{Value: id}},
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		err = model.ErrNotFound
	}
	observability.ObserveStoreOp(backend, "delete", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("dynamodb delete %q: %w", id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (model.Record, error) {
	start := time.Now()
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       map[string]types.AttributeValue{attrID: &types.AttributeValueMemberS{Value: id}},
	})
	observability.ObserveStoreOp(backend, "get", err, time.Since(start).Seconds())
	if err != nil {
		return model.Record{}, fmt.Errorf("dynamodb get %q: %w", id, err)
	}
	if len(out.Item) == 0 {
		return model.Record{}, fmt.Errorf("dynamodb get %q: %w", id, model.ErrNotFound)
	}
	return decodeItem(out.Item)
}

// QueryEquals issues one Query per value against the level's index. The
// cursor is "<value index>:<base64 LastEvaluatedKey>".
func (s *Store) QueryEquals(ctx context.Context, field string, values []string, cursor string, limit int) (store.Page, error) {
	level, ok := indexer.ParseFieldName(field)
	if !ok || level > s.maxLevel {
		return store.Page{}, fmt.Errorf("%w: field %q is not indexed", model.ErrInvalidLevel, field)
	}
	limit = store.PageSize(limit)
	vi, startKey, err := decodeCursor(cursor)
	if err != nil {
		return store.Page{}, err
	}

	start := time.Now()
	page := store.Page{}
	for vi < len(values) && len(page.Records) < limit {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(IndexName(level)),
			KeyConditionExpression: aws.String("#f = :v"),
			ExpressionAttributeNames: map[string]string{
				"#f": field,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberS{Value: cellPrefix + values[vi]},
			},
			ExclusiveStartKey: startKey,
			Limit:             aws.Int32(int32(limit - len(page.Records))),
		})
		if err != nil {
			observability.ObserveStoreOp(backend, "query", err, time.Since(start).Seconds())
			return store.Page{}, fmt.Errorf("dynamodb query %s: %w", field, err)
		}
		for _, item := range out.Items {
			rec, err := decodeItem(item)
			if err != nil {
				return store.Page{}, err
			}
			page.Records = append(page.Records, rec)
		}
		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			vi++
		}
	}
	observability.ObserveStoreOp(backend, "query", nil, time.Since(start).Seconds())

	if vi < len(values) {
		page.Cursor, err = encodeCursor(vi, startKey)
		if err != nil {
			return store.Page{}, err
		}
	}
	return page, nil
}

func decodeItem(item map[string]types.AttributeValue) (model.Record, error) {
	var rec model.Record
	id, ok := item[attrID].(*types.AttributeValueMemberS)
	if !ok {
		return rec, errors.New("dynamodb item without string id")
	}
	rec.ID = id.Value
	var err error
	if rec.Coord.Lat, err = number(item, attrLat); err != nil {
		return rec, fmt.Errorf("item %q: %w", rec.ID, err)
	}
	if rec.Coord.Lng, err = number(item, attrLng); err != nil {
		return rec, fmt.Errorf("item %q: %w", rec.ID, err)
	}
	if m, ok := item[attrAttrs].(*types.AttributeValueMemberM); ok {
		rec.Attrs = make(map[string]string, len(m.Value))
		for k, v := range m.Value {
			if sv, ok := v.(*types.AttributeValueMemberS); ok {
				rec.Attrs[k] = sv.Value
			}
		}
	}
	return rec, nil
}

func number(item map[string]types.AttributeValue, name string) (float64, error) {
	n, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("missing numeric attribute %s", name)
	}
	f, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return f, nil
}

// LastEvaluatedKey of an index query only holds string keys (id and the cell field).
func encodeCursor(vi int, key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return strconv.Itoa(vi) + ":", nil
	}
	flat := make(map[string]string, len(key))
	for k, v := range key {
		sv, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return "", fmt.Errorf("dynamodb cursor: non-string key attribute %s", k)
		}
		flat[k] = sv.Value
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return "", fmt.Errorf("dynamodb cursor: %w", err)
	}
	return strconv.Itoa(vi) + ":" + base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeCursor(c string) (int, map[string]types.AttributeValue, error) {
	if c == "" {
		return 0, nil, nil
	}
	a, b, ok := strings.Cut(c, ":")
	if !ok {
		return 0, nil, fmt.Errorf("dynamodb cursor %q: malformed", c)
	}
	vi, err := strconv.Atoi(a)
	if err != nil || vi < 0 {
		return 0, nil, fmt.Errorf("dynamodb cursor %q: bad value index", c)
	}
	if b == "" {
		return vi, nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(b)
	if err != nil {
		return 0, nil, fmt.Errorf("dynamodb cursor %q: %w", c, err)
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return 0, nil, fmt.Errorf("dynamodb cursor %q: %w", c, err)
	}
	key := make(map[string]types.AttributeValue, len(flat))
	for k, v := range flat {
		key[k] = &types.AttributeValueMemberS{Value: v}
	}
	return vi, key, nil
}
