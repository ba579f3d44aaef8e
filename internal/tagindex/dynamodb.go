package tagindex

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"edgecache/internal/apperr"
	"edgecache/internal/batch"
)

// DynamoAPI is the subset of the DynamoDB client the index uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoConfig configures the DynamoDB-backed index.
type DynamoConfig struct {
	Table string
	// PageIndex optionally names a GSI keyed by pageKey. Empty queries the
	// base table, whose partition key is already pageKey.
	PageIndex string
	// MaxRetries bounds retries of unprocessed batch items.
	MaxRetries   int
	InitialDelay time.Duration
}

// Dynamo stores entries as items keyed by (pageKey, cacheKey).
type Dynamo struct {
	client DynamoAPI
	cfg    DynamoConfig
	logger *zap.Logger
}

type dynamoItem struct {
	PageKey    string `dynamodbav:"pageKey"`
	CacheKey   string `dynamodbav:"cacheKey"`
	StorageKey string `dynamodbav:"storageKey"`
	Tags       string `dynamodbav:"tags,omitempty"`
	UpdatedAt  string `dynamodbav:"updatedAt"`
}

func NewDynamo(client DynamoAPI, cfg DynamoConfig, logger *zap.Logger) *Dynamo {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	return &Dynamo{client: client, cfg: cfg, logger: logger.Named("tagindex")}
}

func (d *Dynamo) Put(ctx context.Context, e Entry) error {
	item, err := attributevalue.MarshalMap(dynamoItem{
		PageKey:    e.PageKey,
		CacheKey:   e.CacheKey,
		StorageKey: e.StorageKey,
		Tags:       EncodeTags(e.Tags),
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal index entry: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.cfg.Table),
		Item:      item,
	})
	if err != nil {
		return apperr.Unavailable("tagindex.put", err)
	}
	return nil
}

func (d *Dynamo) Get(ctx context.Context, pageKey, cacheKey string) (Entry, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.cfg.Table),
		Key:       primaryKey(pageKey, cacheKey),
	})
	if err != nil {
		return Entry{}, apperr.Unavailable("tagindex.get", err)
	}
	if len(out.Item) == 0 {
		return Entry{}, apperr.NotFound("tagindex.get", fmt.Errorf("%s/%s", pageKey, cacheKey))
	}
	return unmarshalEntry(out.Item)
}

// QueryByPages issues one key-condition query per page key concurrently;
// DynamoDB has no IN operator on partition keys.
func (d *Dynamo) QueryByPages(ctx context.Context, pageKeys []string) ([]Entry, error) {
	pageKeys = uniqueStrings(pageKeys)
	var (
		mu  sync.Mutex
		out []Entry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batch.DefaultConcurrency)
	for _, p := range pageKeys {
		p := p // per-iteration copy (go 1.22 loop semantics)
		g.Go(func() error {
			es, err := d.queryPage(gctx, p)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, es...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

func (d *Dynamo) queryPage(ctx context.Context, pageKey string) ([]Entry, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("pageKey").Equal(expression.Value(pageKey))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build page query: %w", err)
	}
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(d.cfg.Table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	if d.cfg.PageIndex != "" {
		in.IndexName = aws.String(d.cfg.PageIndex)
	}

	var out []Entry
	for {
		res, err := d.client.Query(ctx, in)
		if err != nil {
			return nil, apperr.Unavailable("tagindex.query_pages", err)
		}
		for _, item := range res.Items {
			e, err := unmarshalEntry(item)
			if err != nil {
				d.logger.Warn("skipping undecodable index item", zap.String("pageKey", pageKey), zap.Error(err))
				continue
			}
			out = append(out, e)
		}
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = res.LastEvaluatedKey
	}
}

// QueryByTag scans with a contains() pre-filter on the escaped tag, then
// keeps only items whose decoded tag set holds the tag exactly.
func (d *Dynamo) QueryByTag(ctx context.Context, tag string) ([]Entry, error) {
	expr, err := expression.NewBuilder().
		WithFilter(expression.Name("tags").Contains("=" + url.QueryEscape(tag))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build tag filter: %w", err)
	}
	in := &dynamodb.ScanInput{
		TableName:                 aws.String(d.cfg.Table),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var out []Entry
	for {
		res, err := d.client.Scan(ctx, in)
		if err != nil {
			return nil, apperr.Unavailable("tagindex.query_tag", err)
		}
		for _, item := range res.Items {
			e, err := unmarshalEntry(item)
			if err != nil || !containsTag(e.Tags, tag) {
				continue
			}
			out = append(out, e)
		}
		if len(res.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = res.LastEvaluatedKey
	}
	sortEntries(out)
	return out, nil
}

func (d *Dynamo) Delete(ctx context.Context, pageKey, cacheKey string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.cfg.Table),
		Key:       primaryKey(pageKey, cacheKey),
	})
	if err != nil {
		return apperr.Unavailable("tagindex.delete", err)
	}
	return nil
}

// DeleteBatch issues BatchWriteItem calls of at most MaxDeleteBatch deletes
// concurrently, retrying unprocessed items with backoff.
func (d *Dynamo) DeleteBatch(ctx context.Context, keys []EntryKey) batch.Result {
	chunks := batch.Chunk(keys, MaxDeleteBatch)
	errs := batch.Each(ctx, chunks, 0, func(ctx context.Context, i int, chunk []EntryKey) error {
		err := d.deleteChunk(ctx, chunk)
		if err != nil {
			d.logger.Warn("index delete chunk failed",
				zap.Int("chunk", i),
				zap.Int("size", len(chunk)),
				zap.Error(err),
			)
		}
		return err
	})
	return batch.Summarize(len(keys), len(chunks), errs)
}

func (d *Dynamo) deleteChunk(ctx context.Context, chunk []EntryKey) error {
	reqs := make([]types.WriteRequest, 0, len(chunk))
	for _, k := range chunk {
		reqs = append(reqs, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: primaryKey(k.PageKey, k.CacheKey)},
		})
	}

	pending := map[string][]types.WriteRequest{d.cfg.Table: reqs}
	delay := d.cfg.InitialDelay
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		out, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return apperr.Unavailable("tagindex.delete_batch", err)
		}
		if len(out.UnprocessedItems) == 0 || len(out.UnprocessedItems[d.cfg.Table]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return apperr.Unavailable("tagindex.delete_batch",
		fmt.Errorf("%d items left unprocessed", len(pending[d.cfg.Table])))
}

func primaryKey(pageKey, cacheKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pageKey":  &types.AttributeValueMemberS{Value: pageKey},
		"cacheKey": &types.AttributeValueMemberS{Value: cacheKey},
	}
}

func unmarshalEntry(item map[string]types.AttributeValue) (Entry, error) {
	var it dynamoItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return Entry{}, fmt.Errorf("unmarshal index entry: %w", err)
	}
	return Entry{
		PageKey:    it.PageKey,
		CacheKey:   it.CacheKey,
		StorageKey: it.StorageKey,
		Tags:       DecodeTags(it.Tags),
	}, nil
}
