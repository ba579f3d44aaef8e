package tagindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDynamo records calls and serves a fixed item set.
type fakeDynamo struct {
	mu         sync.Mutex
	items      []map[string]types.AttributeValue
	puts       []*dynamodb.PutItemInput
	batchSizes []int
	failBatch  int // number of leading BatchWriteItem calls that error
	unprocess  int // leave this many items unprocessed on the first call
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	want := in.ExpressionAttributeValues[":0"].(*types.AttributeValueMemberS).Value
	var out []map[string]types.AttributeValue
	for _, it := range f.items {
		if it["pageKey"].(*types.AttributeValueMemberS).Value == want {
			out = append(out, it)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDynamo) Scan(context.Context, *dynamodb.ScanInput, ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	// the filter is only a pre-filter; return everything
	return &dynamodb.ScanOutput{Items: f.items}, nil
}

func (f *fakeDynamo) DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := in.RequestItems["edge-index"]
	f.batchSizes = append(f.batchSizes, len(reqs))
	if f.failBatch > 0 {
		f.failBatch--
		return nil, errors.New("throttled")
	}
	if f.unprocess > 0 {
		n := f.unprocess
		f.unprocess = 0
		return &dynamodb.BatchWriteItemOutput{
			UnprocessedItems: map[string][]types.WriteRequest{"edge-index": reqs[:n]},
		}, nil
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func newTestDynamo(f *fakeDynamo) *Dynamo {
	return NewDynamo(f, DynamoConfig{Table: "edge-index", InitialDelay: time.Millisecond}, zap.NewNop())
}

func item(t *testing.T, e Entry) map[string]types.AttributeValue {
	t.Helper()
	m, err := attributevalue.MarshalMap(dynamoItem{
		PageKey: e.PageKey, CacheKey: e.CacheKey, StorageKey: e.StorageKey, Tags: EncodeTags(e.Tags),
	})
	require.NoError(t, err)
	return m
}

func TestDynamoPutEncodesTags(t *testing.T) {
	f := &fakeDynamo{}
	d := newTestDynamo(f)

	err := d.Put(context.Background(), Entry{PageKey: "blog", CacheKey: "c", StorageKey: "blog/c", Tags: []string{"a&b", "c"}})
	require.NoError(t, err)

	require.Len(t, f.puts, 1)
	assert.Equal(t, "edge-index", *f.puts[0].TableName)
	tags := f.puts[0].Item["tags"].(*types.AttributeValueMemberS).Value
	assert.Equal(t, "tag0=a%26b&tag1=c", tags)
}

func TestDynamoQueryByTagExactMatch(t *testing.T) {
	a := Entry{PageKey: "a", CacheKey: "1", StorageKey: "a/1", Tags: []string{"news"}}
	b := Entry{PageKey: "b", CacheKey: "2", StorageKey: "b/2", Tags: []string{"newsroom"}}
	f := &fakeDynamo{items: []map[string]types.AttributeValue{item(t, a), item(t, b)}}

	got, err := newTestDynamo(f).QueryByTag(context.Background(), "news")

	require.NoError(t, err)
	assert.Equal(t, []Entry{a}, got)
}

func TestDynamoQueryByPages(t *testing.T) {
	a := Entry{PageKey: "a", CacheKey: "1", StorageKey: "a/1"}
	b := Entry{PageKey: "b", CacheKey: "2", StorageKey: "b/2"}
	c := Entry{PageKey: "c", CacheKey: "3", StorageKey: "c/3"}
	f := &fakeDynamo{items: []map[string]types.AttributeValue{item(t, a), item(t, b), item(t, c)}}

	got, err := newTestDynamo(f).QueryByPages(context.Background(), []string{"c", "a", "a"})

	require.NoError(t, err)
	assert.Equal(t, []Entry{a, c}, got)
}

func TestDynamoDeleteBatchChunksAt25(t *testing.T) {
	f := &fakeDynamo{}
	keys := make([]EntryKey, 60)
	for i := range keys {
		keys[i] = EntryKey{PageKey: "p", CacheKey: fmt.Sprint(i)}
	}

	res := newTestDynamo(f).DeleteBatch(context.Background(), keys)

	assert.Equal(t, 3, res.Chunks)
	assert.Zero(t, res.Failed)
	assert.ElementsMatch(t, []int{25, 25, 10}, f.batchSizes)
}

func TestDynamoDeleteBatchRetriesUnprocessed(t *testing.T) {
	f := &fakeDynamo{unprocess: 4}
	keys := make([]EntryKey, 10)
	for i := range keys {
		keys[i] = EntryKey{PageKey: "p", CacheKey: fmt.Sprint(i)}
	}

	res := newTestDynamo(f).DeleteBatch(context.Background(), keys)

	assert.Zero(t, res.Failed)
	assert.Equal(t, []int{10, 4}, f.batchSizes)
}

func TestDynamoDeleteBatchToleratesFailedChunk(t *testing.T) {
	f := &fakeDynamo{failBatch: 1}
	keys := make([]EntryKey, 30)
	for i := range keys {
		keys[i] = EntryKey{PageKey: "p", CacheKey: fmt.Sprint(i)}
	}

	res := newTestDynamo(f).DeleteBatch(context.Background(), keys)

	assert.Equal(t, 2, res.Chunks)
	require.Len(t, res.Errors, 1)
	assert.Len(t, f.batchSizes, 2)
}
