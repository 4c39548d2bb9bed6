package gateway

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eniz1806/VaultGallery/internal/broker"
)

// maxDeleteBatch is the S3 DeleteObjects limit.
const maxDeleteBatch = 1000

// S3API is the subset of the S3 client the store calls.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3ClientFactory builds a client for one credential set.
type S3ClientFactory func(creds broker.ScopedCredentials) S3API

// S3Store is an ObjectStore backed by one S3 bucket. Clients are built per
// credential set and memoized by access key id.
type S3Store struct {
	bucket  string
	factory S3ClientFactory
	clients *lru.Cache[string, S3API]
}

// NewS3ClientFactory returns a factory that derives clients from base with
// the scoped credentials installed as a static provider. endpoint, when
// set, switches to path-style addressing against that URL.
func NewS3ClientFactory(base aws.Config, endpoint string) S3ClientFactory {
	return func(creds broker.ScopedCredentials) S3API {
		cfg := base.Copy()
		cfg.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretKey, creds.SessionToken))
		return s3.NewFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
	}
}

func NewS3Store(bucket string, factory S3ClientFactory, cacheSize int) (*S3Store, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	clients, err := lru.New[string, S3API](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create s3 client cache: %w", err)
	}
	return &S3Store{bucket: bucket, factory: factory, clients: clients}, nil
}

func (s *S3Store) Bucket() string {
	return s.bucket
}

func (s *S3Store) client(creds broker.ScopedCredentials) S3API {
	if c, ok := s.clients.Get(creds.AccessKeyID); ok {
		return c
	}
	c := s.factory(creds)
	s.clients.Add(creds.AccessKeyID, c)
	return c
}

func (s *S3Store) Put(ctx context.Context, creds broker.ScopedCredentials, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	in := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: opts.Metadata,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	out, err := s.client(creds).PutObject(ctx, in)
	if err != nil {
		return ObjectInfo{}, classify("put", err)
	}
	return ObjectInfo{
		Key:         key,
		Size:        size,
		ETag:        aws.ToString(out.ETag),
		ContentType: opts.ContentType,
		Metadata:    opts.Metadata,
	}, nil
}

func (s *S3Store) Get(ctx context.Context, creds broker.ScopedCredentials, key string) (*Object, error) {
	out, err := s.client(creds).GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("get", err)
	}
	info := ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}
	if out.LastModified != nil {
		info.LastModified = out.LastModified.Unix()
	}
	return &Object{Info: info, Body: out.Body}, nil
}

func (s *S3Store) Head(ctx context.Context, creds broker.ScopedCredentials, key string) (ObjectInfo, error) {
	out, err := s.client(creds).HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, classify("head", err)
	}
	info := ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}
	if out.LastModified != nil {
		info.LastModified = out.LastModified.Unix()
	}
	return info, nil
}

// List pages through the whole listing.
func (s *S3Store) List(ctx context.Context, creds broker.ScopedCredentials, prefix, delimiter string) (ListResult, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if delimiter != "" {
		in.Delimiter = aws.String(delimiter)
	}

	var res ListResult
	p := s3.NewListObjectsV2Paginator(s.client(creds), in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return ListResult{}, classify("list", err)
		}
		for _, o := range page.Contents {
			info := ObjectInfo{
				Key:  aws.ToString(o.Key),
				Size: aws.ToInt64(o.Size),
				ETag: aws.ToString(o.ETag),
			}
			if o.LastModified != nil {
				info.LastModified = o.LastModified.Unix()
			}
			res.Objects = append(res.Objects, info)
		}
		for _, cp := range page.CommonPrefixes {
			res.CommonPrefixes = append(res.CommonPrefixes, aws.ToString(cp.Prefix))
		}
	}
	return res, nil
}

func (s *S3Store) Delete(ctx context.Context, creds broker.ScopedCredentials, key string) error {
	_, err := s.client(creds).DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return classify("delete", err)
}

func (s *S3Store) Copy(ctx context.Context, creds broker.ScopedCredentials, srcKey, dstKey string) error {
	_, err := s.client(creds).CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(dstKey),
		CopySource:        aws.String(copySource(s.bucket, srcKey)),
		MetadataDirective: types.MetadataDirectiveCopy,
	})
	return classify("copy", err)
}

// DeleteMany removes keys in batches of at most 1000. Per-key failures are
// reported in the result; a failed request aborts with an error.
func (s *S3Store) DeleteMany(ctx context.Context, creds broker.ScopedCredentials, keys []string) (DeleteManyResult, error) {
	res := DeleteManyResult{Failed: map[string]string{}}
	c := s.client(creds)
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := c.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return res, classify("delete_many", err)
		}
		for _, e := range out.Errors {
			res.Failed[aws.ToString(e.Key)] = aws.ToString(e.Code) + ": " + aws.ToString(e.Message)
		}
		res.Deleted += len(ids) - len(out.Errors)
	}
	return res, nil
}

// copySource escapes each key segment and keeps the separators.
func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segs, "/")
}
