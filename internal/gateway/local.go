package gateway

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/eniz1806/VaultGallery/internal/broker"
)

var (
	localObjectsBucket = []byte("objects")
	localLabelsBucket  = []byte("labels")
)

// LocalStore keeps object bodies on the filesystem and object metadata plus
// label records in bbolt. It serves development and tests; credentials are
// checked by the Gateway but not interpreted here.
type LocalStore struct {
	dataDir string
	bucket  string
	db      *bolt.DB
}

func NewLocalStore(dataDir, dbPath, bucket string) (*LocalStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local store db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(localObjectsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(localLabelsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init local store buckets: %w", err)
	}
	if bucket == "" {
		bucket = "local"
	}
	return &LocalStore{dataDir: dataDir, bucket: bucket, db: db}, nil
}

func (l *LocalStore) Close() error {
	return l.db.Close()
}

func (l *LocalStore) Bucket() string {
	return l.bucket
}

func (l *LocalStore) objectPath(key string) (string, error) {
	p := filepath.Join(l.dataDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(l.dataDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &Error{Kind: KindInvalid, Message: "key escapes data dir"}
	}
	return p, nil
}

func notFound(op, key string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Code: "NoSuchKey", Message: "no such key: " + key}
}

func (l *LocalStore) Put(_ context.Context, _ broker.ScopedCredentials, key string, body io.Reader, _ int64, opts PutOptions) (ObjectInfo, error) {
	info := ObjectInfo{
		Key:          key,
		LastModified: time.Now().Unix(),
		ContentType:  opts.ContentType,
		Metadata:     opts.Metadata,
	}

	// Folder markers have no body.
	if !strings.HasSuffix(key, "/") {
		objPath, err := l.objectPath(key)
		if err != nil {
			return ObjectInfo{}, err
		}
		if err := os.MkdirAll(filepath.Dir(objPath), 0755); err != nil {
			return ObjectInfo{}, fmt.Errorf("create object dir: %w", err)
		}
		f, err := os.Create(objPath)
		if err != nil {
			return ObjectInfo{}, fmt.Errorf("create object file: %w", err)
		}
		h := md5.New()
		written, err := io.Copy(io.MultiWriter(f, h), body)
		f.Close()
		if err != nil {
			os.Remove(objPath)
			return ObjectInfo{}, fmt.Errorf("write object: %w", err)
		}
		info.Size = written
		info.ETag = fmt.Sprintf("\"%x\"", h.Sum(nil))
	}

	data, err := json.Marshal(info)
	if err != nil {
		return ObjectInfo{}, err
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(localObjectsBucket).Put([]byte(key), data)
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put object meta: %w", err)
	}
	return info, nil
}

func (l *LocalStore) meta(key string) (ObjectInfo, bool) {
	var info ObjectInfo
	var found bool
	l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(localObjectsBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = json.Unmarshal(v, &info) == nil
		return nil
	})
	return info, found
}

func (l *LocalStore) Head(_ context.Context, _ broker.ScopedCredentials, key string) (ObjectInfo, error) {
	info, ok := l.meta(key)
	if !ok {
		return ObjectInfo{}, notFound("head", key)
	}
	return info, nil
}

func (l *LocalStore) Get(_ context.Context, _ broker.ScopedCredentials, key string) (*Object, error) {
	info, ok := l.meta(key)
	if !ok {
		return nil, notFound("get", key)
	}
	if strings.HasSuffix(key, "/") {
		return &Object{Info: info, Body: io.NopCloser(bytes.NewReader(nil))}, nil
	}
	objPath, err := l.objectPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound("get", key)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	return &Object{Info: info, Body: f}, nil
}

// List walks the key index in order. bbolt keeps keys sorted, so a prefix
// seek gives the same ordering S3 does.
func (l *LocalStore) List(_ context.Context, _ broker.ScopedCredentials, prefix, delimiter string) (ListResult, error) {
	var res ListResult
	seen := map[string]bool{}
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(localObjectsBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			key := string(k)
			if delimiter != "" {
				rest := strings.TrimPrefix(key, prefix)
				if i := strings.Index(rest, delimiter); i >= 0 {
					cp := prefix + rest[:i+len(delimiter)]
					if !seen[cp] {
						seen[cp] = true
						res.CommonPrefixes = append(res.CommonPrefixes, cp)
					}
					continue
				}
			}
			var info ObjectInfo
			if err := json.Unmarshal(v, &info); err != nil {
				continue
			}
			res.Objects = append(res.Objects, info)
		}
		return nil
	})
	if err != nil {
		return ListResult{}, fmt.Errorf("list objects: %w", err)
	}
	return res, nil
}

// Delete is idempotent, as it is on S3.
func (l *LocalStore) Delete(_ context.Context, _ broker.ScopedCredentials, key string) error {
	if err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(localObjectsBucket).Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("delete object meta: %w", err)
	}
	if strings.HasSuffix(key, "/") {
		return nil
	}
	objPath, err := l.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}

	// Clean up empty parent directories
	dir := filepath.Dir(objPath)
	for dir != l.dataDir && strings.HasPrefix(dir, l.dataDir) {
		entries, _ := os.ReadDir(dir)
		if len(entries) > 0 {
			break
		}
		os.Remove(dir)
		dir = filepath.Dir(dir)
	}
	return nil
}

func (l *LocalStore) Copy(ctx context.Context, creds broker.ScopedCredentials, srcKey, dstKey string) error {
	obj, err := l.Get(ctx, creds, srcKey)
	if err != nil {
		return err
	}
	defer obj.Body.Close()
	_, err = l.Put(ctx, creds, dstKey, obj.Body, obj.Info.Size, PutOptions{
		ContentType: obj.Info.ContentType,
		Metadata:    obj.Info.Metadata,
	})
	return err
}

func (l *LocalStore) DeleteMany(ctx context.Context, creds broker.ScopedCredentials, keys []string) (DeleteManyResult, error) {
	res := DeleteManyResult{Failed: map[string]string{}}
	for _, k := range keys {
		if err := l.Delete(ctx, creds, k); err != nil {
			res.Failed[k] = err.Error()
			continue
		}
		res.Deleted++
	}
	return res, nil
}

// PutLabels stores a label record. The labeler writes to DynamoDB in
// production; this seeds the local table.
func (l *LocalStore) PutLabels(_ context.Context, rec LabelRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(localLabelsBucket).Put([]byte(rec.ImageKey), data)
	})
}

func (l *LocalStore) GetLabels(_ context.Context, _ broker.ScopedCredentials, imageKey string) (*LabelRecord, error) {
	var rec *LabelRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(localLabelsBucket).Get([]byte(imageKey))
		if v == nil {
			return nil
		}
		rec = &LabelRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("get labels: %w", err)
	}
	if rec == nil {
		return nil, &Error{Kind: KindNotFound, Op: "get_labels", Message: "no labels for " + imageKey}
	}
	return rec, nil
}

func (l *LocalStore) ScanLabels(_ context.Context, _ broker.ScopedCredentials, keyPrefix string) ([]LabelRecord, error) {
	var recs []LabelRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(localLabelsBucket).Cursor()
		p := []byte(keyPrefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var rec LabelRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan labels: %w", err)
	}
	return recs, nil
}

// Ping checks that the index is readable.
func (l *LocalStore) Ping() error {
	return l.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(localObjectsBucket) == nil {
			return fmt.Errorf("objects bucket missing")
		}
		return nil
	})
}
