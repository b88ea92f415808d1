package export

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marmos91/downstairs/internal/bytesize"
	"github.com/marmos91/downstairs/internal/logger"
)

// MinPartSize is the smallest part S3 accepts in a multipart upload, except
// for the last one.
const MinPartSize = 5 * bytesize.MiB

// DefaultPartSize is the multipart part size used when none is configured.
const DefaultPartSize = 16 * bytesize.MiB

// S3Config holds the settings for exporting to S3 or an S3-compatible
// service.
type S3Config struct {
	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO).
	ForcePathStyle bool

	// AccessKeyID and SecretAccessKey, when both set, replace the SDK's
	// default credential chain.
	AccessKeyID     string
	SecretAccessKey string

	// PartSize is the multipart part size. Values below MinPartSize are
	// raised to it.
	PartSize bytesize.ByteSize
}

// S3API is the subset of the S3 client used by S3Writer.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// S3Writer streams an object to S3. Data is buffered into parts of
// partSize; an object smaller than one part is stored with a single
// PutObject. Close must be called to complete the object; Abort discards
// it.
type S3Writer struct {
	ctx      context.Context
	client   S3API
	bucket   string
	key      string
	partSize int

	buf      bytes.Buffer
	uploadID string
	parts    []types.CompletedPart
	err      error
}

// NewS3Writer returns a writer for s3://bucket/key.
func NewS3Writer(ctx context.Context, client S3API, bucket, key string, partSize bytesize.ByteSize) *S3Writer {
	if partSize == 0 {
		partSize = DefaultPartSize
	}
	partSize = max(partSize, MinPartSize)
	return &S3Writer{
		ctx:      ctx,
		client:   client,
		bucket:   bucket,
		key:      key,
		partSize: int(partSize),
	}
}

// Write implements io.Writer.
func (w *S3Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, _ := w.buf.Write(p)
	for w.buf.Len() >= w.partSize {
		if err := w.uploadPart(w.buf.Next(w.partSize)); err != nil {
			w.err = err
			return n, err
		}
	}
	return n, nil
}

func (w *S3Writer) uploadPart(data []byte) error {
	if w.uploadID == "" {
		out, err := w.client.CreateMultipartUpload(w.ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(w.bucket),
			Key:    aws.String(w.key),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err)
		}
		w.uploadID = aws.ToString(out.UploadId)
	}

	num := int32(len(w.parts) + 1)
	out, err := w.client.UploadPart(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(num),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", num, err)
	}
	w.parts = append(w.parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(num)})
	logger.Debug("export part uploaded", logger.KeyBucket, w.bucket, logger.KeyKey, w.key, "part", num, logger.KeyBytes, len(data))
	return nil
}

// Close uploads the remaining data and completes the object. On failure
// the multipart upload is aborted.
func (w *S3Writer) Close() error {
	if w.err != nil {
		w.Abort()
		return w.err
	}

	if w.uploadID == "" {
		_, err := w.client.PutObject(w.ctx, &s3.PutObjectInput{
			Bucket: aws.String(w.bucket),
			Key:    aws.String(w.key),
			Body:   bytes.NewReader(w.buf.Bytes()),
		})
		if err != nil {
			w.err = fmt.Errorf("put object: %w", err)
			return w.err
		}
		w.err = errWriterClosed
		return nil
	}

	if w.buf.Len() > 0 {
		if err := w.uploadPart(w.buf.Bytes()); err != nil {
			w.err = err
			w.Abort()
			return err
		}
		w.buf.Reset()
	}

	_, err := w.client.CompleteMultipartUpload(w.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(w.bucket),
		Key:             aws.String(w.key),
		UploadId:        aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: w.parts},
	})
	if err != nil {
		w.err = fmt.Errorf("complete multipart upload: %w", err)
		w.Abort()
		return w.err
	}
	w.err = errWriterClosed
	return nil
}

// Abort discards an in-progress multipart upload.
func (w *S3Writer) Abort() {
	if w.uploadID == "" {
		return
	}
	// The writer's context may already be cancelled.
	ctx := context.WithoutCancel(w.ctx)
	_, err := w.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		logger.Warn("failed to abort multipart upload",
			logger.KeyBucket, w.bucket, logger.KeyKey, w.key, logger.KeyError, err)
	}
	w.uploadID = ""
}
