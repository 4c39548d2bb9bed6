// Package gateway performs object and label-table operations on behalf of
// a user. Every call takes the user's scoped credentials; there is no
// fallback to process credentials.
package gateway

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"

	"github.com/eniz1806/VaultGallery/internal/broker"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified int64             `json:"lastModified"` // unix seconds
	ETag         string            `json:"etag,omitempty"`
	ContentType  string            `json:"contentType,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Object is a readable object. Callers close Body.
type Object struct {
	Info ObjectInfo
	Body io.ReadCloser
}

// ListResult holds a delimited listing: leaf objects plus the immediate
// virtual folders under the prefix.
type ListResult struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
}

// DeleteManyResult reports keys a batch delete could not remove.
type DeleteManyResult struct {
	Deleted int
	Failed  map[string]string // key -> provider message
}

// Label is one detected label. Confidence is an exact decimal with two
// fractional digits.
type Label struct {
	Name       string                `dynamodbav:"Name" json:"name"`
	Confidence attributevalue.Number `dynamodbav:"Confidence" json:"confidence"`
}

// LabelRecord is one row of the labels table.
type LabelRecord struct {
	ImageKey    string   `dynamodbav:"ImageKey" json:"imageKey"`
	Bucket      string   `dynamodbav:"Bucket" json:"bucket"`
	Labels      []Label  `dynamodbav:"Labels" json:"labels"`
	LabelNames  []string `dynamodbav:"LabelNames" json:"labelNames"`
	Timestamp   string   `dynamodbav:"Timestamp" json:"timestamp"`
	TotalLabels int      `dynamodbav:"TotalLabels" json:"totalLabels"`
	ProcessedBy string   `dynamodbav:"ProcessedBy" json:"processedBy"`
}

// HasLabel reports whether name is among the record's labels, ignoring case.
func (r LabelRecord) HasLabel(name string) bool {
	for _, n := range r.LabelNames {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// ObjectStore is an object storage backend.
type ObjectStore interface {
	Put(ctx context.Context, creds broker.ScopedCredentials, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, creds broker.ScopedCredentials, key string) (*Object, error)
	Head(ctx context.Context, creds broker.ScopedCredentials, key string) (ObjectInfo, error)
	List(ctx context.Context, creds broker.ScopedCredentials, prefix, delimiter string) (ListResult, error)
	Delete(ctx context.Context, creds broker.ScopedCredentials, key string) error
	Copy(ctx context.Context, creds broker.ScopedCredentials, srcKey, dstKey string) error
	DeleteMany(ctx context.Context, creds broker.ScopedCredentials, keys []string) (DeleteManyResult, error)
	Bucket() string
}

// LabelTable is the key-value table the labeler writes.
type LabelTable interface {
	GetLabels(ctx context.Context, creds broker.ScopedCredentials, imageKey string) (*LabelRecord, error)
	ScanLabels(ctx context.Context, creds broker.ScopedCredentials, keyPrefix string) ([]LabelRecord, error)
}

// Observer receives per-operation outcomes. metrics.Collector implements it.
type Observer interface {
	ObserveStorageOp(op, outcome string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveStorageOp(string, string, time.Duration) {}

// Gateway fronts an ObjectStore and a LabelTable. It rejects missing or
// expired credentials before any backend call and normalizes errors.
type Gateway struct {
	objects  ObjectStore
	labels   LabelTable
	observer Observer
	now      func() time.Time
}

func New(objects ObjectStore, labels LabelTable, observer Observer) *Gateway {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Gateway{objects: objects, labels: labels, observer: observer, now: time.Now}
}

// Bucket returns the bucket name of the object store.
func (g *Gateway) Bucket() string {
	return g.objects.Bucket()
}

func (g *Gateway) gate(op string, creds broker.ScopedCredentials) error {
	if !creds.Usable(g.now()) {
		return &Error{Kind: KindAccessDenied, Op: op, Message: "missing or expired credentials"}
	}
	return nil
}

func (g *Gateway) run(op string, creds broker.ScopedCredentials, fn func() error) error {
	if err := g.gate(op, creds); err != nil {
		g.observer.ObserveStorageOp(op, string(KindAccessDenied), 0)
		return err
	}
	start := time.Now()
	err := classify(op, fn())
	outcome := "ok"
	if ge, ok := err.(*Error); ok {
		if ge.Op == "" {
			ge.Op = op
		}
		outcome = string(ge.Kind)
	}
	g.observer.ObserveStorageOp(op, outcome, time.Since(start))
	return err
}

func (g *Gateway) Put(ctx context.Context, creds broker.ScopedCredentials, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	var info ObjectInfo
	err := g.run("put", creds, func() error {
		var err error
		info, err = g.objects.Put(ctx, creds, key, body, size, opts)
		return err
	})
	return info, err
}

func (g *Gateway) Get(ctx context.Context, creds broker.ScopedCredentials, key string) (*Object, error) {
	var obj *Object
	err := g.run("get", creds, func() error {
		var err error
		obj, err = g.objects.Get(ctx, creds, key)
		return err
	})
	return obj, err
}

func (g *Gateway) Head(ctx context.Context, creds broker.ScopedCredentials, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := g.run("head", creds, func() error {
		var err error
		info, err = g.objects.Head(ctx, creds, key)
		return err
	})
	return info, err
}

// List returns objects under prefix. With a non-empty delimiter only the
// immediate level is returned and deeper keys collapse into CommonPrefixes.
func (g *Gateway) List(ctx context.Context, creds broker.ScopedCredentials, prefix, delimiter string) (ListResult, error) {
	var res ListResult
	err := g.run("list", creds, func() error {
		var err error
		res, err = g.objects.List(ctx, creds, prefix, delimiter)
		return err
	})
	return res, err
}

func (g *Gateway) Delete(ctx context.Context, creds broker.ScopedCredentials, key string) error {
	return g.run("delete", creds, func() error {
		return g.objects.Delete(ctx, creds, key)
	})
}

func (g *Gateway) Copy(ctx context.Context, creds broker.ScopedCredentials, srcKey, dstKey string) error {
	return g.run("copy", creds, func() error {
		return g.objects.Copy(ctx, creds, srcKey, dstKey)
	})
}

func (g *Gateway) DeleteMany(ctx context.Context, creds broker.ScopedCredentials, keys []string) (DeleteManyResult, error) {
	var res DeleteManyResult
	if len(keys) == 0 {
		return res, g.gate("delete_many", creds)
	}
	err := g.run("delete_many", creds, func() error {
		var err error
		res, err = g.objects.DeleteMany(ctx, creds, keys)
		return err
	})
	return res, err
}

// Move copies src to dst and then deletes src. If the delete fails the
// copy is left in place and the error returned.
func (g *Gateway) Move(ctx context.Context, creds broker.ScopedCredentials, srcKey, dstKey string) error {
	if srcKey == dstKey {
		return nil
	}
	if err := g.Copy(ctx, creds, srcKey, dstKey); err != nil {
		return err
	}
	return g.Delete(ctx, creds, srcKey)
}

func (g *Gateway) GetLabels(ctx context.Context, creds broker.ScopedCredentials, imageKey string) (*LabelRecord, error) {
	var rec *LabelRecord
	err := g.run("get_labels", creds, func() error {
		var err error
		rec, err = g.labels.GetLabels(ctx, creds, imageKey)
		return err
	})
	return rec, err
}

func (g *Gateway) ScanLabels(ctx context.Context, creds broker.ScopedCredentials, keyPrefix string) ([]LabelRecord, error) {
	var recs []LabelRecord
	err := g.run("scan_labels", creds, func() error {
		var err error
		recs, err = g.labels.ScanLabels(ctx, creds, keyPrefix)
		return err
	})
	return recs, err
}
