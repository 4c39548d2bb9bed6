package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eniz1806/VaultGallery/internal/broker"
)

// fakeS3 implements S3API over a two-page listing.
type fakeS3 struct {
	listCalls   int
	deleteSizes []int
	copySource  string
	putInput    *s3.PutObjectInput
	err         error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putInput = in
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func (f *fakeS3) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, f.err
}

func (f *fakeS3) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(10), ContentType: aws.String("image/png")}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listCalls++
	if f.err != nil {
		return nil, f.err
	}
	if in.ContinuationToken == nil {
		return &s3.ListObjectsV2Output{
			Contents:              []types.Object{{Key: aws.String("users/u1/b.jpg"), Size: aws.Int64(2), LastModified: aws.Time(time.Unix(100, 0))}},
			CommonPrefixes:        []types.CommonPrefix{{Prefix: aws.String("users/u1/vacation/")}},
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("page2"),
		}, nil
	}
	return &s3.ListObjectsV2Output{
		Contents:       []types.Object{{Key: aws.String("users/u1/c.jpg"), Size: aws.Int64(3)}},
		CommonPrefixes: []types.CommonPrefix{{Prefix: aws.String("users/u1/zoo/")}},
		IsTruncated:    aws.Bool(false),
	}, nil
}

func (f *fakeS3) DeleteObject(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return &s3.DeleteObjectOutput{}, f.err
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.copySource = aws.ToString(in.CopySource)
	return &s3.CopyObjectOutput{}, f.err
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.deleteSizes = append(f.deleteSizes, len(in.Delete.Objects))
	out := &s3.DeleteObjectsOutput{}
	if len(f.deleteSizes) == 1 {
		out.Errors = []types.Error{{Key: in.Delete.Objects[0].Key, Code: aws.String("AccessDenied"), Message: aws.String("nope")}}
	}
	return out, nil
}

func newFakeS3Store(t *testing.T, fake *fakeS3) (*S3Store, *int) {
	t.Helper()
	built := 0
	store, err := NewS3Store("photos", func(broker.ScopedCredentials) S3API {
		built++
		return fake
	}, 4)
	require.NoError(t, err)
	return store, &built
}

func TestS3Store_ListPagesAndPrefixes(t *testing.T) {
	fake := &fakeS3{}
	store, _ := newFakeS3Store(t, fake)

	res, err := store.List(context.Background(), validCreds(), "users/u1/", "/")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.listCalls)
	require.Len(t, res.Objects, 2)
	assert.Equal(t, int64(100), res.Objects[0].LastModified)
	assert.Equal(t, []string{"users/u1/vacation/", "users/u1/zoo/"}, res.CommonPrefixes)
}

func TestS3Store_ClientMemoizedPerAccessKey(t *testing.T) {
	fake := &fakeS3{}
	store, built := newFakeS3Store(t, fake)
	ctx := context.Background()

	a := validCreds()
	b := validCreds()
	b.AccessKeyID = "ASIAOTHER"

	require.NoError(t, store.Delete(ctx, a, "users/u1/x.jpg"))
	require.NoError(t, store.Delete(ctx, a, "users/u1/y.jpg"))
	require.NoError(t, store.Delete(ctx, b, "users/u1/z.jpg"))
	assert.Equal(t, 2, *built)
}

func TestS3Store_PutPassesMetadata(t *testing.T) {
	fake := &fakeS3{}
	store, _ := newFakeS3Store(t, fake)

	info, err := store.Put(context.Background(), validCreds(), "users/u1/a.png", strings.NewReader("png"), 3,
		PutOptions{ContentType: "image/png", Metadata: map[string]string{"displayname": "A"}})
	require.NoError(t, err)
	assert.Equal(t, `"etag"`, info.ETag)
	assert.Equal(t, "image/png", aws.ToString(fake.putInput.ContentType))
	assert.Equal(t, int64(3), aws.ToInt64(fake.putInput.ContentLength))
	assert.Equal(t, "A", fake.putInput.Metadata["displayname"])
}

func TestS3Store_DeleteManyBatches(t *testing.T) {
	fake := &fakeS3{}
	store, _ := newFakeS3Store(t, fake)

	keys := make([]string, 2500)
	for i := range keys {
		keys[i] = "users/u1/album/" + strings.Repeat("k", i%7+1)
	}
	res, err := store.DeleteMany(context.Background(), validCreds(), keys)
	require.NoError(t, err)
	assert.Equal(t, []int{1000, 1000, 500}, fake.deleteSizes)
	assert.Equal(t, 2499, res.Deleted)
	assert.Len(t, res.Failed, 1)
}

func TestS3Store_CopySourceEscaping(t *testing.T) {
	fake := &fakeS3{}
	store, _ := newFakeS3Store(t, fake)
	require.NoError(t, store.Copy(context.Background(), validCreds(), "users/u1/my trip/a+b.jpg", "users/u1/a+b.jpg"))
	assert.Equal(t, "photos/users/u1/my%20trip/a+b.jpg", fake.copySource)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, KindNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}, KindAccessDenied},
		{"expired token", &smithy.GenericAPIError{Code: "ExpiredToken"}, KindAccessDenied},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, KindThrottled},
		{"dynamo throughput", &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}, KindThrottled},
		{"unknown code", &smithy.GenericAPIError{Code: "InternalError", Message: "boom"}, KindUnknown},
		{"plain error", errors.New("socket closed"), KindUnknown},
		{"head 404", &smithyhttp.ResponseError{Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 404}}, Err: errors.New("not found")}, KindNotFound},
		{"head 403", &smithyhttp.ResponseError{Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 403}}, Err: errors.New("forbidden")}, KindAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ge *Error
			require.ErrorAs(t, classify("op", tt.err), &ge)
			assert.Equal(t, tt.want, ge.Kind)
			assert.Equal(t, "op", ge.Op)
		})
	}

	ge := classify("op", &smithy.GenericAPIError{Code: "InternalError", Message: "boom"}).(*Error)
	assert.Equal(t, "InternalError", ge.Code)
	assert.Equal(t, "boom", ge.Message)
	assert.Equal(t, http.StatusBadGateway, ge.HTTPStatus())
	assert.Nil(t, classify("op", nil))
}

func TestS3Store_ErrorsAreClassified(t *testing.T) {
	fake := &fakeS3{err: &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce rate"}}
	store, _ := newFakeS3Store(t, fake)
	g := New(store, nil, nil)

	_, err := g.Head(context.Background(), validCreds(), "users/u1/a.jpg")
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindThrottled, ge.Kind)
	assert.Equal(t, http.StatusTooManyRequests, ge.HTTPStatus())
}

// fakeDynamo implements DynamoAPI.
type fakeDynamo struct {
	items []map[string]ddbtypes.AttributeValue
	scan  *dynamodb.ScanInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	key := in.Key["ImageKey"].(*ddbtypes.AttributeValueMemberS).Value
	for _, it := range f.items {
		if it["ImageKey"].(*ddbtypes.AttributeValueMemberS).Value == key {
			return &dynamodb.GetItemOutput{Item: it}, nil
		}
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scan = in
	return &dynamodb.ScanOutput{Items: f.items}, nil
}

func TestDynamoLabels(t *testing.T) {
	item, err := attributevalue.MarshalMap(LabelRecord{
		ImageKey:    "users/u1/a.jpg",
		Bucket:      "photos",
		Labels:      []Label{{Name: "Beach", Confidence: "97.53"}},
		LabelNames:  []string{"Beach"},
		TotalLabels: 1,
		ProcessedBy: "ImageAnalysisFunction",
	})
	require.NoError(t, err)

	// Confidence must be stored as a number, not a string.
	labels := item["Labels"].(*ddbtypes.AttributeValueMemberL).Value
	conf := labels[0].(*ddbtypes.AttributeValueMemberM).Value["Confidence"]
	require.IsType(t, &ddbtypes.AttributeValueMemberN{}, conf)
	assert.Equal(t, "97.53", conf.(*ddbtypes.AttributeValueMemberN).Value)

	fake := &fakeDynamo{items: []map[string]ddbtypes.AttributeValue{item}}
	table, err := NewDynamoLabels("ImageLabels", func(broker.ScopedCredentials) DynamoAPI { return fake }, 4)
	require.NoError(t, err)
	g := New(nil, table, nil)

	rec, err := g.GetLabels(context.Background(), validCreds(), "users/u1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, attributevalue.Number("97.53"), rec.Labels[0].Confidence)

	_, err = g.GetLabels(context.Background(), validCreds(), "users/u1/missing.jpg")
	assert.True(t, IsNotFound(err))

	recs, err := g.ScanLabels(context.Background(), validCreds(), "users/u1/")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, "begins_with(ImageKey, :prefix)", aws.ToString(fake.scan.FilterExpression))
}
