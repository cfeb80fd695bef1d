// Package s3upload maps chunked uploads onto S3 multipart uploads.
package s3upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-parallelupload/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// MinPartSize is the smallest part S3 accepts for any part but the last one.
const MinPartSize = 5 * units.MiB

var authErrorCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Params ...
type Params struct {
	Region          string
	Bucket          string
	KeyPrefix       string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// ChunkSize must match the uploader's chunk size, part numbers are derived from it.
	ChunkSize int64
}

type multipartUpload struct {
	key   string
	parts map[int32]string
}

// Transport uploads chunks as parts of an S3 multipart upload. The upload token is the S3 upload id.
type Transport struct {
	client    s3API
	bucket    string
	keyPrefix string
	chunkSize int64
	logger    log.Logger

	mu      sync.Mutex
	uploads map[string]*multipartUpload
}

var _ chunkuploader.Transport = (*Transport)(nil)
var _ chunkuploader.Aborter = (*Transport)(nil)

// NewTransport loads AWS credentials and creates a transport for the bucket.
func NewTransport(ctx context.Context, params Params, logger log.Logger) (*Transport, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newTransport(client, params, logger), nil
}

func newTransport(client s3API, params Params, logger log.Logger) *Transport {
	return &Transport{
		client:    client,
		bucket:    params.Bucket,
		keyPrefix: params.KeyPrefix,
		chunkSize: params.ChunkSize,
		logger:    logger,
		uploads:   map[string]*multipartUpload{},
	}
}

func validateParams(params Params) error {
	if params.Bucket == "" {
		return fmt.Errorf("%w: bucket must not be empty", chunkuploader.ErrInvalidConfiguration)
	}
	if params.ChunkSize < MinPartSize {
		return fmt.Errorf("%w: chunk size %s is below the S3 minimum part size %s",
			chunkuploader.ErrInvalidConfiguration, units.BytesSize(float64(params.ChunkSize)), units.BytesSize(MinPartSize))
	}
	return nil
}

// RegisterUploadToken starts a multipart upload for fileName.
func (t *Transport) RegisterUploadToken(ctx context.Context, fileName string) (string, error) {
	key := path.Join(t.keyPrefix, fileName)
	resp, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", mapError(err))
	}
	if resp == nil || resp.UploadId == nil || *resp.UploadId == "" {
		return "", fmt.Errorf("%w: create multipart upload returned no upload id", chunkuploader.ErrServiceUnavailable)
	}

	t.mu.Lock()
	t.uploads[*resp.UploadId] = &multipartUpload{key: key, parts: map[int32]string{}}
	t.mu.Unlock()

	t.logger.Debugf("Started multipart upload of s3://%s/%s", t.bucket, key)
	return *resp.UploadId, nil
}

// TransmitChunk uploads the chunk as a part and completes the upload on the final chunk.
func (t *Transport) TransmitChunk(ctx context.Context, chunk chunkuploader.ChunkRequest) error {
	upload, err := t.upload(chunk.TokenID)
	if err != nil {
		return err
	}
	if chunk.Offset%t.chunkSize != 0 {
		return fmt.Errorf("offset %d is not aligned to the chunk size %d", chunk.Offset, t.chunkSize)
	}
	partNumber := int32(chunk.Offset/t.chunkSize + 1)

	body := make([]byte, chunk.Length)
	if chunk.Length > 0 {
		if _, err := io.ReadFull(chunk.Payload, body); err != nil {
			return fmt.Errorf("read part %d: %w", partNumber, err)
		}
	}

	resp, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(upload.key),
		UploadId:      aws.String(chunk.TokenID),
		PartNumber:    aws.Int32(partNumber),
		ContentLength: aws.Int64(chunk.Length),
		Body:          bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", partNumber, mapError(err))
	}

	t.mu.Lock()
	upload.parts[partNumber] = aws.ToString(resp.ETag)
	t.mu.Unlock()

	if !chunk.Final {
		return nil
	}
	return t.complete(ctx, chunk.TokenID, upload)
}

func (t *Transport) complete(ctx context.Context, uploadID string, upload *multipartUpload) error {
	t.mu.Lock()
	parts := make([]types.CompletedPart, 0, len(upload.parts))
	for number, etag := range upload.parts {
		parts = append(parts, types.CompletedPart{PartNumber: aws.Int32(number), ETag: aws.String(etag)})
	}
	t.mu.Unlock()
	sort.Slice(parts, func(i, j int) bool {
		return *parts[i].PartNumber < *parts[j].PartNumber
	})

	_, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.bucket),
		Key:             aws.String(upload.key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", mapError(err))
	}

	t.forget(uploadID)
	t.logger.Debugf("Completed multipart upload of s3://%s/%s with %d parts", t.bucket, upload.key, len(parts))
	return nil
}

// AbortUpload aborts the multipart upload, S3 drops the uploaded parts.
func (t *Transport) AbortUpload(ctx context.Context, tokenID string) error {
	upload, err := t.upload(tokenID)
	if err != nil {
		return err
	}

	_, err = t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(upload.key),
		UploadId: aws.String(tokenID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", mapError(err))
	}

	t.forget(tokenID)
	return nil
}

func (t *Transport) upload(uploadID string) (*multipartUpload, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	upload, ok := t.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("unknown upload id: %s", uploadID)
	}
	return upload, nil
}

func (t *Transport) forget(uploadID string) {
	t.mu.Lock()
	delete(t.uploads, uploadID)
	t.mu.Unlock()
}

func mapError(err error) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		if authErrorCodes[apiError.ErrorCode()] {
			return fmt.Errorf("%w: %s", chunkuploader.ErrAuthenticationFailure, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s", chunkuploader.ErrServiceUnavailable, err)
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
