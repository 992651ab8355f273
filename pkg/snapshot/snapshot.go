// Package snapshot uploads the cloud's master graph to S3-compatible
// object storage after each accepted merge, and restores the latest copy
// on startup.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
)

const (
	latestKey   = "latest.cbor"
	contentType = "application/cbor"
)

// ErrNoSnapshot is returned by Restore when the bucket holds no snapshot
var ErrNoSnapshot = errors.New("no snapshot")

// Archiver stores master graph snapshots
type Archiver interface {
	Archive(ctx context.Context, g bigraph.Bigraph) error
}

// ObjectAPI is the subset of the S3 client the archiver uses
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configures an S3 archiver
type Options struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Archiver writes each snapshot twice: under a timestamped key and under
// <prefix>latest.cbor
type S3Archiver struct {
	client ObjectAPI
	bucket string
	prefix string
	now    func() time.Time
	logger logging.Logger
}

// NewS3Client builds an S3 client from opts. Static credentials are used
// when both keys are set; otherwise the default AWS chain applies.
func NewS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.UsePathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}), nil
}

// NewS3Archiver creates an archiver over client
func NewS3Archiver(client ObjectAPI, bucket, prefix string, logger logging.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
		logger: logging.OrNop(logger),
	}
}

// Archive uploads g
func (a *S3Archiver) Archive(ctx context.Context, g bigraph.Bigraph) error {
	data, err := bigraph.EncodeGraph(g)
	if err != nil {
		return err
	}

	key := a.prefix + strconv.FormatInt(a.now().UnixMilli(), 10) + ".cbor"
	for _, k := range []string{key, a.prefix + latestKey} {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(k),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return fmt.Errorf("put s3://%s/%s: %w", a.bucket, k, err)
		}
	}

	a.logger.Debug("master snapshot uploaded",
		logging.String("bucket", a.bucket),
		logging.String("key", key),
		logging.Count(g.Len()))
	return nil
}

// Restore downloads the latest snapshot
func (a *S3Archiver) Restore(ctx context.Context) (bigraph.Bigraph, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + latestKey),
	})
	if err != nil {
		var missing *s3types.NoSuchKey
		if errors.As(err, &missing) {
			return bigraph.Bigraph{}, ErrNoSnapshot
		}
		return bigraph.Bigraph{}, fmt.Errorf("get s3://%s/%s%s: %w", a.bucket, a.prefix, latestKey, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return bigraph.Bigraph{}, fmt.Errorf("read snapshot: %w", err)
	}
	return bigraph.DecodeGraph(data)
}
