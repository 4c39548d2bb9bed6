package gateway

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eniz1806/VaultGallery/internal/broker"
)

// DynamoAPI is the subset of the DynamoDB client the label table calls.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type DynamoClientFactory func(creds broker.ScopedCredentials) DynamoAPI

func NewDynamoClientFactory(base aws.Config, endpoint string) DynamoClientFactory {
	return func(creds broker.ScopedCredentials) DynamoAPI {
		cfg := base.Copy()
		cfg.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretKey, creds.SessionToken))
		return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	}
}

// DynamoLabels reads label records from a DynamoDB table keyed by ImageKey.
type DynamoLabels struct {
	table   string
	factory DynamoClientFactory
	clients *lru.Cache[string, DynamoAPI]
}

func NewDynamoLabels(table string, factory DynamoClientFactory, cacheSize int) (*DynamoLabels, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	clients, err := lru.New[string, DynamoAPI](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dynamodb client cache: %w", err)
	}
	return &DynamoLabels{table: table, factory: factory, clients: clients}, nil
}

func (d *DynamoLabels) client(creds broker.ScopedCredentials) DynamoAPI {
	if c, ok := d.clients.Get(creds.AccessKeyID); ok {
		return c
	}
	c := d.factory(creds)
	d.clients.Add(creds.AccessKeyID, c)
	return c
}

func (d *DynamoLabels) GetLabels(ctx context.Context, creds broker.ScopedCredentials, imageKey string) (*LabelRecord, error) {
	out, err := d.client(creds).GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"ImageKey": &types.AttributeValueMemberS{Value: imageKey},
		},
	})
	if err != nil {
		return nil, classify("get_labels", err)
	}
	if len(out.Item) == 0 {
		return nil, &Error{Kind: KindNotFound, Op: "get_labels", Message: "no labels for " + imageKey}
	}
	var rec LabelRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, &Error{Kind: KindUnknown, Op: "get_labels", Code: "DecodeError", Err: err}
	}
	return &rec, nil
}

// ScanLabels returns every record whose ImageKey starts with keyPrefix.
func (d *DynamoLabels) ScanLabels(ctx context.Context, creds broker.ScopedCredentials, keyPrefix string) ([]LabelRecord, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(d.table),
		FilterExpression: aws.String("begins_with(ImageKey, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: keyPrefix},
		},
	}

	var recs []LabelRecord
	p := dynamodb.NewScanPaginator(d.client(creds), in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("scan_labels", err)
		}
		var batch []LabelRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, &Error{Kind: KindUnknown, Op: "scan_labels", Code: "DecodeError", Err: err}
		}
		recs = append(recs, batch...)
	}
	return recs, nil
}
