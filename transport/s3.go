package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// MinS3PartSize is the smallest part S3 accepts for every part but the last one.
const MinS3PartSize = 5 * 1024 * 1024

const numControlRetries = 3

// S3API is the subset of the S3 client used by the S3 transport.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Config ...
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, for S3 compatible storages.
	Endpoint     string
	UsePathStyle bool
}

// S3 uploads every file as an S3 multipart upload, chunk i being part i+1.
//
// The object key is derived from the file identifier, so a file selected
// again in a later process finds its unfinished multipart upload and the
// parts already stored there answer probes.
// Chunks other than the last one have to be at least MinS3PartSize long.
type S3 struct {
	client      S3API
	bucket      string
	prefix      string
	logger      log.Logger
	controlWait time.Duration

	mu      sync.Mutex
	uploads map[string]*s3Upload
}

type s3Part struct {
	etag string
	size int64
}

type s3Upload struct {
	mu       sync.Mutex
	key      string
	uploadID string
	parts    map[int32]s3Part
}

// NewS3 creates an S3 transport with credentials loaded the default AWS way,
// or from the static keys when both are given.
func NewS3(ctx context.Context, config S3Config, logger log.Logger) (*S3, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	awsConfig, err := loadAWSConfig(ctx, config.Region, config.AccessKeyID, config.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*awsConfig, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
	})

	return NewS3WithClient(client, config, logger), nil
}

// NewS3WithClient creates an S3 transport on top of an existing client.
func NewS3WithClient(client S3API, config S3Config, logger log.Logger) *S3 {
	return &S3{
		client:      client,
		bucket:      config.Bucket,
		prefix:      config.Prefix,
		logger:      logger,
		controlWait: 2 * time.Second,
		uploads:     map[string]*s3Upload{},
	}
}

// Key returns the object key a file is stored under.
func (t *S3) Key(fileID, fileName string) string {
	return path.Join(t.prefix, fileID, fileName)
}

// Probe reports whether the part is already stored with the expected size.
func (t *S3) Probe(ctx context.Context, req Request) (bool, error) {
	upload, err := t.ensureUpload(ctx, req)
	if err != nil {
		return false, err
	}

	upload.mu.Lock()
	defer upload.mu.Unlock()

	part, ok := upload.parts[partNumber(req.Chunk.Index)]
	return ok && part.size == req.Chunk.Span(req.FileSize), nil
}

// Upload stores the chunk as a part of the file's multipart upload.
func (t *S3) Upload(ctx context.Context, req Request) (Response, error) {
	upload, err := t.ensureUpload(ctx, req)
	if err != nil {
		return Response{}, err
	}

	upload.mu.Lock()
	key, uploadID := upload.key, upload.uploadID
	upload.mu.Unlock()

	number := partNumber(req.Chunk.Index)
	out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(req.Payload),
		ContentLength: aws.Int64(int64(len(req.Payload))),
	})
	if err != nil {
		return Response{}, t.classify(ctx, req.Chunk.FileID, err)
	}

	upload.mu.Lock()
	upload.parts[number] = s3Part{etag: aws.ToString(out.ETag), size: int64(len(req.Payload))}
	upload.mu.Unlock()

	t.logger.Debugf("Uploaded part %d/%d of %s", number, req.Chunk.Total, key)

	return Response{StatusCode: 200}, nil
}

// Finalize completes the multipart upload of the file.
// The response body is a JSON object with the fileName (object key) and location.
func (t *S3) Finalize(ctx context.Context, file FileRef) (Response, error) {
	t.mu.Lock()
	upload, ok := t.uploads[file.ID]
	t.mu.Unlock()
	if !ok {
		return Response{}, fmt.Errorf("no multipart upload for file %s", file.ID)
	}

	upload.mu.Lock()
	completed := make([]types.CompletedPart, 0, len(upload.parts))
	for number, part := range upload.parts {
		if int(number) > file.TotalChunks {
			continue
		}
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(part.etag),
			PartNumber: aws.Int32(number),
		})
	}
	key, uploadID := upload.key, upload.uploadID
	upload.mu.Unlock()

	if len(completed) != file.TotalChunks {
		return Response{}, fmt.Errorf("multipart upload of %s has %d of %d parts", key, len(completed), file.TotalChunks)
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	var location string
	err := retry.Times(numControlRetries).Wait(t.controlWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(t.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			classified := t.classify(ctx, file.ID, err)
			return fmt.Errorf("complete multipart upload: %w", classified), !IsRetryable(classified)
		}
		location = aws.ToString(out.Location)
		return nil, true
	})
	if err != nil {
		return Response{}, err
	}

	t.forget(file.ID)

	body, err := json.Marshal(map[string]string{"fileName": key, "location": location})
	if err != nil {
		return Response{}, fmt.Errorf("encode response: %w", err)
	}
	return Response{StatusCode: 200, Body: body}, nil
}

// Abort releases the multipart upload of a cancelled file.
func (t *S3) Abort(ctx context.Context, file FileRef) error {
	t.mu.Lock()
	upload, ok := t.uploads[file.ID]
	delete(t.uploads, file.ID)
	t.mu.Unlock()
	if !ok {
		return nil
	}

	upload.mu.Lock()
	key, uploadID := upload.key, upload.uploadID
	upload.mu.Unlock()
	if uploadID == "" {
		return nil
	}

	_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil && errorCode(err) != "NoSuchUpload" {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// ensureUpload returns the multipart upload of the file, resuming an
// unfinished one for the same key or creating a new one.
func (t *S3) ensureUpload(ctx context.Context, req Request) (*s3Upload, error) {
	t.mu.Lock()
	upload, ok := t.uploads[req.Chunk.FileID]
	if !ok {
		upload = &s3Upload{key: t.Key(req.Chunk.FileID, req.FileName), parts: map[int32]s3Part{}}
		t.uploads[req.Chunk.FileID] = upload
	}
	t.mu.Unlock()

	upload.mu.Lock()
	defer upload.mu.Unlock()

	if upload.uploadID != "" {
		return upload, nil
	}

	uploadID, err := t.findUpload(ctx, upload.key)
	if err != nil {
		return nil, t.classify(ctx, req.Chunk.FileID, err)
	}
	if uploadID != "" {
		parts, err := t.listParts(ctx, upload.key, uploadID)
		if err != nil {
			return nil, t.classify(ctx, req.Chunk.FileID, err)
		}
		t.logger.Debugf("Resuming multipart upload of %s with %d stored parts", upload.key, len(parts))
		upload.uploadID = uploadID
		upload.parts = parts
		return upload, nil
	}

	err = retry.Times(numControlRetries).Wait(t.controlWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(t.bucket),
			Key:         aws.String(upload.key),
			ContentType: aws.String(contentType(req.FileType)),
		})
		if err != nil {
			classified := t.classify(ctx, req.Chunk.FileID, err)
			return classified, !IsRetryable(classified)
		}
		upload.uploadID = aws.ToString(out.UploadId)
		return nil, true
	})
	if err != nil {
		return nil, err
	}
	t.logger.Debugf("Created multipart upload of %s", upload.key)

	return upload, nil
}

func (t *S3) findUpload(ctx context.Context, key string) (string, error) {
	input := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(key),
	}
	for {
		out, err := t.client.ListMultipartUploads(ctx, input)
		if err != nil {
			return "", fmt.Errorf("list multipart uploads: %w", err)
		}
		for _, upload := range out.Uploads {
			if aws.ToString(upload.Key) == key {
				return aws.ToString(upload.UploadId), nil
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return "", nil
		}
		input.KeyMarker = out.NextKeyMarker
		input.UploadIdMarker = out.NextUploadIdMarker
	}
}

func (t *S3) listParts(ctx context.Context, key, uploadID string) (map[int32]s3Part, error) {
	parts := map[int32]s3Part{}
	paginator := s3.NewListPartsPaginator(t.client, &s3.ListPartsInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}
		for _, part := range page.Parts {
			parts[aws.ToInt32(part.PartNumber)] = s3Part{
				etag: aws.ToString(part.ETag),
				size: aws.ToInt64(part.Size),
			}
		}
	}
	return parts, nil
}

func (t *S3) forget(fileID string) {
	t.mu.Lock()
	delete(t.uploads, fileID)
	t.mu.Unlock()
}

// classify maps S3 client errors to transport errors.
func (t *S3) classify(ctx context.Context, fileID string, err error) error {
	if ctx.Err() != nil {
		return Classify(ctx, err)
	}

	code := errorCode(err)
	if code == "NoSuchUpload" {
		t.forget(fileID)
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() != 0 {
		return &Error{Kind: ServerRejected, StatusCode: statusErr.HTTPStatusCode(), Message: code, Err: err}
	}

	return Classify(ctx, err)
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func partNumber(index int) int32 {
	return int32(index + 1)
}

func contentType(fileType string) string {
	if fileType == "" {
		return "application/octet-stream"
	}
	return fileType
}
