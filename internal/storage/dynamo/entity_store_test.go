package dynamo

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/retail/internal/domain"
)

// fakeDynamo понимает только те выражения, которые строит EntityStore.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	pageSize int
	tables   map[string]bool
	failWith error
	queries  int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:    make(map[string]map[string]types.AttributeValue),
		pageSize: 2,
		tables:   map[string]bool{"retail": true},
	}
}

func keyOf(av map[string]types.AttributeValue) string {
	return av[attrPK].(*types.AttributeValueMemberS).Value + "|" + av[attrSK].(*types.AttributeValueMemberS).Value
}

func copyItem(src map[string]types.AttributeValue) map[string]types.AttributeValue {
	dst := make(map[string]types.AttributeValue, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	it, ok := f.items[keyOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(it)}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	key := keyOf(in.Item)
	existing, exists := f.items[key]

	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(#pk)":
		if exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	case "#version = :expected":
		expected := in.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value
		if !exists || existing[attrVersion].(*types.AttributeValueMemberN).Value != expected {
			ccf := &types.ConditionalCheckFailedException{Message: aws.String("version")}
			if exists && in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
				ccf.Item = copyItem(existing)
			}
			return nil, ccf
		}
	}
	f.items[key] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	key := keyOf(in.Key)
	it, ok := f.items[key]
	if !ok {
		it = copyItem(in.Key)
	}
	version := int64(0)
	if n, ok := it[attrVersion].(*types.AttributeValueMemberN); ok {
		version, _ = strconv.ParseInt(n.Value, 10, 64)
	}
	version++
	it[attrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)}
	it[attrData] = in.ExpressionAttributeValues[":data"]
	it[attrUpdatedAt] = in.ExpressionAttributeValues[":updated"]
	f.items[key] = it
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		attrVersion: it[attrVersion],
	}}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keyOf(in.Key)
	if _, ok := f.items[key]; !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.queries++

	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	after := ""
	if in.ExclusiveStartKey != nil {
		after = in.ExclusiveStartKey[attrSK].(*types.AttributeValueMemberS).Value
	}

	var matched []map[string]types.AttributeValue
	for _, it := range f.items {
		if it[attrPK].(*types.AttributeValueMemberS).Value != pk {
			continue
		}
		if it[attrSK].(*types.AttributeValueMemberS).Value <= after {
			continue
		}
		matched = append(matched, copyItem(it))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i][attrSK].(*types.AttributeValueMemberS).Value < matched[j][attrSK].(*types.AttributeValueMemberS).Value
	})

	out := &dynamodb.QueryOutput{}
	if len(matched) > f.pageSize {
		matched = matched[:f.pageSize]
		last := matched[len(matched)-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{attrPK: last[attrPK], attrSK: last[attrSK]}
	}
	out.Items = matched
	return out, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tables[aws.ToString(in.TableName)] {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func (f *fakeDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[aws.ToString(in.TableName)] = true
	return &dynamodb.CreateTableOutput{}, nil
}

func record(partition, rowKey, data string) domain.Record {
	return domain.Record{PartitionKey: partition, RowKey: rowKey, Data: []byte(data)}
}

func TestEntityStoreInsertGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewEntityStore(newFakeDynamo(), "retail")

	inserted, err := store.Insert(ctx, domain.CollectionProducts, record(domain.PartitionProduct, "p-1", `{"name":"Tea"}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), inserted.Version)

	_, err = store.Insert(ctx, domain.CollectionProducts, record(domain.PartitionProduct, "p-1", `{}`))
	require.ErrorIs(t, err, domain.ErrEntityExists)

	got, err := store.Get(ctx, domain.CollectionProducts, domain.PartitionProduct, "p-1")
	require.NoError(t, err)
	require.Equal(t, "p-1", got.RowKey)
	require.Equal(t, domain.PartitionProduct, got.PartitionKey)
	require.JSONEq(t, `{"name":"Tea"}`, string(got.Data))
	require.Equal(t, int64(1), got.Version)

	_, err = store.Get(ctx, domain.CollectionCustomers, domain.PartitionProduct, "p-1")
	require.ErrorIs(t, err, domain.ErrEntityNotFound)

	require.NoError(t, store.Delete(ctx, domain.CollectionProducts, domain.PartitionProduct, "p-1"))
	require.ErrorIs(t, store.Delete(ctx, domain.CollectionProducts, domain.PartitionProduct, "p-1"), domain.ErrEntityNotFound)
}

func TestEntityStoreUpsertIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	store := NewEntityStore(newFakeDynamo(), "retail")

	first, err := store.Upsert(ctx, domain.CollectionCustomers, record(domain.PartitionCustomer, "c-1", `{"v":1}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Version)

	second, err := store.Upsert(ctx, domain.CollectionCustomers, record(domain.PartitionCustomer, "c-1", `{"v":2}`))
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Version)

	got, err := store.Get(ctx, domain.CollectionCustomers, domain.PartitionCustomer, "c-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(got.Data))
}

func TestEntityStoreReplaceDistinguishesConflictFromMissing(t *testing.T) {
	ctx := context.Background()
	store := NewEntityStore(newFakeDynamo(), "retail")

	rec, err := store.Insert(ctx, domain.CollectionOrders, record(domain.PartitionOrder, "o-1", `{"q":1}`))
	require.NoError(t, err)

	rec.Data = []byte(`{"q":2}`)
	updated, err := store.Replace(ctx, domain.CollectionOrders, rec)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)

	// Повторная запись со старой версией.
	_, err = store.Replace(ctx, domain.CollectionOrders, rec)
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	_, err = store.Replace(ctx, domain.CollectionOrders, record(domain.PartitionOrder, "missing", `{}`))
	require.ErrorIs(t, err, domain.ErrEntityNotFound)
}

func TestEntityStoreScanPagesLazily(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	store := NewEntityStore(fake, "retail")

	for _, id := range []string{"c", "a", "e", "b", "d"} {
		_, err := store.Insert(ctx, domain.CollectionProducts, record(domain.PartitionProduct, id, `{}`))
		require.NoError(t, err)
	}
	_, err := store.Insert(ctx, domain.CollectionCustomers, record(domain.PartitionCustomer, "x", `{}`))
	require.NoError(t, err)

	var keys []string
	for rec, err := range store.Scan(ctx, domain.CollectionProducts, domain.PartitionProduct) {
		require.NoError(t, err)
		keys = append(keys, rec.RowKey)
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)
	require.Equal(t, 3, fake.queries)

	fake.queries = 0
	for rec, err := range store.Scan(ctx, domain.CollectionProducts, domain.PartitionProduct) {
		require.NoError(t, err)
		require.Equal(t, "a", rec.RowKey)
		break
	}
	require.Equal(t, 1, fake.queries)
}

func TestEntityStoreWrapsTransportErrors(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	fake.failWith = errors.New("connection reset")
	store := NewEntityStore(fake, "retail")

	_, err := store.Get(ctx, domain.CollectionProducts, domain.PartitionProduct, "p-1")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	for _, err := range store.Scan(ctx, domain.CollectionProducts, domain.PartitionProduct) {
		require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	}
}

func TestEntityStorePingAndEnsureTable(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()

	require.NoError(t, NewEntityStore(fake, "retail").Ping(ctx))

	missing := NewEntityStore(fake, "fresh")
	require.ErrorIs(t, missing.Ping(ctx), domain.ErrStoreUnavailable)

	require.NoError(t, missing.EnsureTable(ctx, time.Second))
	require.NoError(t, missing.Ping(ctx))
}
