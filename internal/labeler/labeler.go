// Package labeler detects labels on newly stored images and records them in
// the labels table. It is driven by S3 event notifications.
package labeler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rektypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/eniz1806/VaultGallery/internal/gateway"
)

// ProcessedBy marks records written by this labeler.
const ProcessedBy = "ImageAnalysisFunction"

// timestampLayout matches the naive UTC ISO timestamps already in the table.
const timestampLayout = "2006-01-02T15:04:05.000000"

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrObjectNotFound    = errors.New("object not found")
)

type HeadAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type DetectAPI interface {
	DetectLabels(ctx context.Context, params *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
}

type PutItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Observer receives per-image outcomes. metrics.Collector implements it.
type Observer interface {
	ObserveLabeling(outcome string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveLabeling(string, time.Duration) {}

type Options struct {
	Table         string
	MaxLabels     int32
	MinConfidence float32
	Extensions    []string
}

// Result summarizes one processed image.
type Result struct {
	ImageKey    string   `json:"imageKey"`
	Bucket      string   `json:"bucket"`
	LabelsFound int      `json:"labelsFound"`
	Labels      []string `json:"labels"`
}

// Processor runs the head, detect and put sequence for one object.
type Processor struct {
	head     HeadAPI
	detect   DetectAPI
	put      PutItemAPI
	opts     Options
	observer Observer
	now      func() time.Time
}

func NewProcessor(head HeadAPI, detect DetectAPI, put PutItemAPI, opts Options, observer Observer) *Processor {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Processor{head: head, detect: detect, put: put, opts: opts, observer: observer, now: time.Now}
}

// NewAWSProcessor builds a processor on SDK clients from cfg. The labeler
// runs under its own service role, not under user credentials.
func NewAWSProcessor(cfg aws.Config, endpoint string, opts Options, observer Observer) *Processor {
	s3c := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	ddb := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewProcessor(s3c, rekognition.NewFromConfig(cfg), ddb, opts, observer)
}

// DecodeKey undoes the form encoding S3 applies to keys in event
// notifications ("+" for space).
func DecodeKey(raw string) (string, error) {
	k, err := url.QueryUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("decode object key %q: %w", raw, err)
	}
	return k, nil
}

// Supported reports whether key has one of the configured image extensions.
func (p *Processor) Supported(key string) bool {
	lower := strings.ToLower(key)
	for _, ext := range p.opts.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// RoundConfidence renders c with exactly two fractional digits.
func RoundConfidence(c float32) attributevalue.Number {
	r := math.Round(float64(c)*100) / 100
	return attributevalue.Number(strconv.FormatFloat(r, 'f', 2, 64))
}

// Process labels bucket/key. key must already be decoded.
func (p *Processor) Process(ctx context.Context, bucket, key string) (Result, error) {
	start := time.Now()
	res, err := p.process(ctx, bucket, key)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		outcome = "unsupported"
	case errors.Is(err, ErrObjectNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	p.observer.ObserveLabeling(outcome, time.Since(start))
	return res, err
}

func (p *Processor) process(ctx context.Context, bucket, key string) (Result, error) {
	if !p.Supported(key) {
		slog.Info("skipping unsupported file", "bucket", bucket, "key", key)
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, key)
	}

	if _, err := p.head.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return Result{}, fmt.Errorf("%w: s3://%s/%s: %v", ErrObjectNotFound, bucket, key, err)
	}

	out, err := p.detect.DetectLabels(ctx, &rekognition.DetectLabelsInput{
		Image: &rektypes.Image{
			S3Object: &rektypes.S3Object{Bucket: aws.String(bucket), Name: aws.String(key)},
		},
		MaxLabels:     aws.Int32(p.opts.MaxLabels),
		MinConfidence: aws.Float32(p.opts.MinConfidence),
	})
	if err != nil {
		return Result{}, fmt.Errorf("detect labels: %w", err)
	}

	rec := gateway.LabelRecord{
		ImageKey:    key,
		Bucket:      bucket,
		Labels:      make([]gateway.Label, 0, len(out.Labels)),
		LabelNames:  make([]string, 0, len(out.Labels)),
		Timestamp:   p.now().UTC().Format(timestampLayout),
		ProcessedBy: ProcessedBy,
	}
	for _, l := range out.Labels {
		name := aws.ToString(l.Name)
		rec.Labels = append(rec.Labels, gateway.Label{Name: name, Confidence: RoundConfidence(aws.ToFloat32(l.Confidence))})
		rec.LabelNames = append(rec.LabelNames, name)
	}
	rec.TotalLabels = len(rec.Labels)

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return Result{}, fmt.Errorf("marshal label record: %w", err)
	}
	if _, err := p.put.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.opts.Table),
		Item:      item,
	}); err != nil {
		return Result{}, fmt.Errorf("put label record: %w", err)
	}

	slog.Info("labels stored", "bucket", bucket, "key", key, "labels", rec.TotalLabels)
	return Result{ImageKey: key, Bucket: bucket, LabelsFound: rec.TotalLabels, Labels: rec.LabelNames}, nil
}
