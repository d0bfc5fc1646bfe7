// Package s3 exports completed uploads to AWS S3 or compatible servers.
//
// The user accessing the bucket needs at least the following permissions:
//
//	s3:PutObject
//	s3:AbortMultipartUpload
//	s3:ListBucket (for Ping)
//
// Objects not larger than PreferredPartSize are sent with a single PutObject.
// Bigger objects use a multipart upload whose parts are read straight from the
// backing file and sent concurrently. A failed multipart upload is aborted so
// the bucket does not keep orphan parts.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/derektruong/fxupload/protoc"
	"github.com/derektruong/fxupload/storage"
	"github.com/docker/go-units"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const originalNameMeta = "original-name"

// Exporter implements storage.Exporter on top of an S3 bucket.
type Exporter struct {
	// MinPartSize specifies the minimum size of a single part uploaded to S3
	// in bytes. AWS S3 uses 5MB for this value.
	MinPartSize int64

	// MaxPartSize specifies the maximum size of a single part uploaded to S3.
	MaxPartSize int64

	// PreferredPartSize is the part size used whenever the object fits in
	// MaxMultipartParts parts of that size. Objects up to this size are sent
	// in one PutObject call.
	PreferredPartSize int64

	// MaxMultipartParts is the maximum number of parts of a multipart upload.
	MaxMultipartParts int64

	logger          logr.Logger
	client          protoc.S3API
	bucket          string
	prefix          string
	uploadSemaphore *semaphore.Weighted
}

var _ storage.Exporter = (*Exporter)(nil)

// NewExporter creates an exporter writing into bucket, under prefix.
// At most concurrentParts parts are uploaded at the same time across all
// exports.
func NewExporter(
	logger logr.Logger,
	client protoc.S3API,
	bucket, prefix string,
	concurrentParts int64,
) (e *Exporter) {
	if concurrentParts <= 0 {
		concurrentParts = 8
	}
	e = &Exporter{
		MinPartSize:       5 * 1024 * 1024,        // 5MB
		MaxPartSize:       5 * 1024 * 1024 * 1024, // 5GB
		PreferredPartSize: 50 * 1024 * 1024,       // 50MB
		MaxMultipartParts: 10000,
		logger:            logger.WithName("s3-exporter"),
		client:            client,
		bucket:            bucket,
		prefix:            prefix,
		uploadSemaphore:   semaphore.NewWeighted(concurrentParts),
	}
	return
}

// Ping checks that the bucket exists and is reachable.
func (e *Exporter) Ping(ctx context.Context) (err error) {
	_, err = e.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(e.bucket),
	})
	return
}

func (e *Exporter) Export(ctx context.Context, obj storage.ExportObject) (err error) {
	key := path.Join(e.prefix, obj.Key)
	logger := e.logger.WithValues("key", key, "size", units.HumanSize(float64(obj.Size)))

	if obj.Size <= e.PreferredPartSize {
		_, err = e.client.PutObject(ctx, &awss3.PutObjectInput{
			Bucket:        aws.String(e.bucket),
			Key:           aws.String(key),
			Body:          io.NewSectionReader(obj.Body, 0, obj.Size),
			ContentLength: aws.Int64(obj.Size),
			Metadata:      map[string]string{originalNameMeta: obj.Name},
		})
		if err != nil {
			return fmt.Errorf("put object %s: %w", key, err)
		}
		logger.V(1).Info("object exported")
		return
	}

	var partSize int64
	if partSize, err = e.calcOptimalPartSize(obj.Size); err != nil {
		return
	}

	var created *awss3.CreateMultipartUploadOutput
	if created, err = e.client.CreateMultipartUpload(ctx, &awss3.CreateMultipartUploadInput{
		Bucket:   aws.String(e.bucket),
		Key:      aws.String(key),
		Metadata: map[string]string{originalNameMeta: obj.Name},
	}); err != nil {
		return fmt.Errorf("create multipart upload %s: %w", key, err)
	}
	uploadID := aws.ToString(created.UploadId)

	var parts []types.CompletedPart
	if parts, err = e.uploadParts(ctx, key, uploadID, obj, partSize); err != nil {
		e.abort(ctx, logger, key, uploadID)
		return
	}

	if _, err = e.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:   aws.String(e.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	}); err != nil {
		e.abort(ctx, logger, key, uploadID)
		return fmt.Errorf("complete multipart upload %s: %w", key, err)
	}
	logger.V(1).Info("object exported", "parts", len(parts))
	return
}

func (e *Exporter) uploadParts(
	ctx context.Context,
	key, uploadID string,
	obj storage.ExportObject,
	partSize int64,
) (parts []types.CompletedPart, err error) {
	count := obj.Size / partSize
	if obj.Size%partSize > 0 {
		count++
	}
	etags := make([]string, count)

	g, gctx := errgroup.WithContext(ctx)
	for i := int64(0); i < count; i++ {
		if err = e.uploadSemaphore.Acquire(gctx, 1); err != nil {
			break
		}
		offset := i * partSize
		size := lo.Min([]int64{partSize, obj.Size - offset})
		number := int32(i + 1)
		g.Go(func() error {
			defer e.uploadSemaphore.Release(1)
			res, partErr := e.client.UploadPart(gctx, &awss3.UploadPartInput{
				Bucket:        aws.String(e.bucket),
				Key:           aws.String(key),
				UploadId:      aws.String(uploadID),
				PartNumber:    aws.Int32(number),
				Body:          io.NewSectionReader(obj.Body, offset, size),
				ContentLength: aws.Int64(size),
			})
			if partErr != nil {
				return fmt.Errorf("upload part %d of %s: %w", number, key, partErr)
			}
			etags[number-1] = aws.ToString(res.ETag)
			return nil
		})
	}
	if waitErr := g.Wait(); waitErr != nil {
		err = waitErr
	}
	if err != nil {
		return
	}

	parts = lo.Map(etags, func(etag string, i int) types.CompletedPart {
		return types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(int32(i + 1)),
		}
	})
	return
}

func (e *Exporter) abort(ctx context.Context, logger logr.Logger, key, uploadID string) {
	if _, err := e.client.AbortMultipartUpload(context.WithoutCancel(ctx), &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(e.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}); err != nil && !isAwsError[*types.NoSuchUpload](err) && !isAwsErrorCode(err, "NoSuchUpload") {
		logger.Error(err, "failed to abort multipart upload", "uploadID", uploadID)
	}
}

func (e *Exporter) calcOptimalPartSize(size int64) (optimalPartSize int64, err error) {
	switch {
	// fits in MaxMultipartParts parts of PreferredPartSize
	case size <= e.PreferredPartSize*e.MaxMultipartParts:
		optimalPartSize = e.PreferredPartSize
	// integer division rounds down, so only an exact division can be used as is
	case size%e.MaxMultipartParts == 0:
		optimalPartSize = size / e.MaxMultipartParts
	default:
		optimalPartSize = size/e.MaxMultipartParts + 1
	}
	optimalPartSize = lo.Max([]int64{optimalPartSize, e.MinPartSize})

	if optimalPartSize > e.MaxPartSize {
		return optimalPartSize, fmt.Errorf("calcOptimalPartSize: to upload %v bytes optimalPartSize %v must exceed MaxPartSize %v", size, optimalPartSize, e.MaxPartSize)
	}
	return optimalPartSize, nil
}

func isAwsError[T error](err error) bool {
	var awsErr T
	return errors.As(err, &awsErr)
}

func isAwsErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == code
	}
	return false
}
