// Package dynamo реализует хранилище сущностей поверх одной таблицы DynamoDB.
//
// Ключ элемента: pk = "<collection>#<partition>", sk = row key. Версия хранится
// в атрибуте version, условные записи используют ConditionExpression.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vladislavdragonenkov/retail/internal/domain"
)

const (
	attrPK        = "pk"
	attrSK        = "sk"
	attrVersion   = "version"
	attrData      = "data"
	attrUpdatedAt = "updated_at"

	opTimeout = 5 * time.Second
)

// API — подмножество клиента DynamoDB, которое использует хранилище.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Config — параметры подключения к DynamoDB.
type Config struct {
	Table  string
	Region string
	// Endpoint переопределяет адрес сервиса (DynamoDB Local, LocalStack).
	Endpoint string
}

// item — представление записи в таблице.
type item struct {
	PK        string    `dynamodbav:"pk"`
	SK        string    `dynamodbav:"sk"`
	Version   int64     `dynamodbav:"version"`
	Data      string    `dynamodbav:"data"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
}

// EntityStore — реализация domain.EntityStore поверх DynamoDB.
type EntityStore struct {
	client API
	table  string
}

// NewClient создаёт клиент DynamoDB из стандартной цепочки конфигурации AWS.
func NewClient(ctx context.Context, cfg Config) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewEntityStore создаёт хранилище поверх готового клиента.
func NewEntityStore(client API, table string) *EntityStore {
	return &EntityStore{client: client, table: table}
}

func partitionValue(collection, partition string) string {
	return collection + "#" + partition
}

func (s *EntityStore) key(collection, partition, rowKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: partitionValue(collection, partition)},
		attrSK: &types.AttributeValueMemberS{Value: rowKey},
	}
}

func (s *EntityStore) Get(ctx context.Context, collection, partition, rowKey string) (domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(collection, partition, rowKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Record{}, storeErr("get item", err)
	}
	if len(out.Item) == 0 {
		return domain.Record{}, domain.ErrEntityNotFound
	}
	return decodeItem(partition, out.Item)
}

// Scan лениво читает партицию через Query-пагинатор: следующая страница
// запрашивается, только когда потребитель дочитал текущую.
func (s *EntityStore) Scan(ctx context.Context, collection, partition string) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("#pk = :pk"),
			ExpressionAttributeNames: map[string]string{
				"#pk": attrPK,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: partitionValue(collection, partition)},
			},
			ConsistentRead: aws.Bool(true),
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(domain.Record{}, storeErr("query partition", err))
				return
			}
			for _, raw := range page.Items {
				rec, err := decodeItem(partition, raw)
				if !yield(rec, err) || err != nil {
					return
				}
			}
		}
	}
}

func (s *EntityStore) Insert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rec.Version = 1
	rec.UpdatedAt = time.Now().UTC()
	av, err := encodeItem(collection, rec)
	if err != nil {
		return domain.Record{}, err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return domain.Record{}, domain.ErrEntityExists
		}
		return domain.Record{}, storeErr("put item", err)
	}
	return rec, nil
}

// Upsert атомарно записывает данные и увеличивает версию (ADD создаёт атрибут со значением 1).
func (s *EntityStore) Upsert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(collection, rec.PartitionKey, rec.RowKey),
		UpdateExpression: aws.String("SET #data = :data, #updated = :updated ADD #version :one"),
		ExpressionAttributeNames: map[string]string{
			"#data":    attrData,
			"#updated": attrUpdatedAt,
			"#version": attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":data":    &types.AttributeValueMemberS{Value: string(rec.Data)},
			":updated": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":one":     &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return domain.Record{}, storeErr("update item", err)
	}

	version, err := numberAttr(out.Attributes, attrVersion)
	if err != nil {
		return domain.Record{}, err
	}
	rec.Version = version
	rec.UpdatedAt = now
	return rec, nil
}

// Replace перезаписывает элемент только при совпадении версии.
func (s *EntityStore) Replace(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	expected := rec.Version
	rec.Version = expected + 1
	rec.UpdatedAt = time.Now().UTC()
	av, err := encodeItem(collection, rec)
	if err != nil {
		return domain.Record{}, err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     av,
		ConditionExpression:      aws.String("#version = :expected"),
		ExpressionAttributeNames: map[string]string{"#version": attrVersion},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Старый элемент возвращается только если он существует.
			if len(ccf.Item) == 0 {
				return domain.Record{}, domain.ErrEntityNotFound
			}
			return domain.Record{}, domain.ErrVersionConflict
		}
		return domain.Record{}, storeErr("put item", err)
	}
	return rec, nil
}

func (s *EntityStore) Delete(ctx context.Context, collection, partition, rowKey string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.table),
		Key:                      s.key(collection, partition, rowKey),
		ConditionExpression:      aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return domain.ErrEntityNotFound
		}
		return storeErr("delete item", err)
	}
	return nil
}

func (s *EntityStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}); err != nil {
		return storeErr("describe table", err)
	}
	return nil
}

// EnsureTable создаёт таблицу с ключом (pk, sk) в режиме on-demand, если её нет,
// и дожидается статуса ACTIVE.
func (s *EntityStore) EnsureTable(ctx context.Context, maxWait time.Duration) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return storeErr("describe table", err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrPK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSK), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrSK), KeyType: types.KeyTypeRange},
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return storeErr("create table", err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, maxWait); err != nil {
		return storeErr("wait for table", err)
	}
	return nil
}

func encodeItem(collection string, rec domain.Record) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(item{
		PK:        partitionValue(collection, rec.PartitionKey),
		SK:        rec.RowKey,
		Version:   rec.Version,
		Data:      string(rec.Data),
		UpdatedAt: rec.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal dynamodb item: %w", err)
	}
	return av, nil
}

func decodeItem(partition string, raw map[string]types.AttributeValue) (domain.Record, error) {
	var it item
	if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
		return domain.Record{}, fmt.Errorf("unmarshal dynamodb item: %w", err)
	}
	return domain.Record{
		PartitionKey: partition,
		RowKey:       it.SK,
		Version:      it.Version,
		Data:         []byte(it.Data),
		UpdatedAt:    it.UpdatedAt.UTC(),
	}, nil
}

func numberAttr(attrs map[string]types.AttributeValue, name string) (int64, error) {
	n, ok := attrs[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamodb attribute %q is missing or not a number", name)
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse dynamodb attribute %q: %w", name, err)
	}
	return v, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("dynamodb %s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

var _ domain.EntityStore = (*EntityStore)(nil)
