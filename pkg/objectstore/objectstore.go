// Package objectstore defines the ObjectStoreInterface façade (spec.md
// C3) and an S3 implementation, grounded on the teacher's
// pkg/core/bucket_utils.go (bucket existence/creation/access checks) and
// pkg/core/streaming_optimizer.go (multipart upload lifecycle). The
// control plane only initiates and completes multipart uploads and
// records their bookkeeping — the actual part bytes move through gateway
// instances, which are out of scope per spec.md §1.
package objectstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectInfo describes one object the planner needs sizes for (S2).
type ObjectInfo struct {
	Key  string
	Size int64
}

// CompletedPart is one finished part of a multipart upload, keyed by its
// part number and the ETag S3 returned for it.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// ObjectStoreInterface is the object-store façade: bucket checks, object
// listing, and multipart upload lifecycles. The planner calls only
// InitiateMultipartUpload and the monitor only CompleteMultipartUpload.
// It deliberately excludes part-body transfer: that's gateway work.
type ObjectStoreInterface interface {
	// BucketExists reports whether bucket exists and is reachable with
	// the current credentials.
	BucketExists(ctx context.Context, bucket string) (bool, error)

	// EnsureBucket creates bucket in the given subregion if it is
	// missing.
	EnsureBucket(ctx context.Context, bucket, subregion string) error

	// ListObjects returns every object under prefix with its size. The
	// planner's object sizing (S2) does not call it; it reads sizes from
	// the job.
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// InitiateMultipartUpload starts a multipart upload for key in bucket
	// and returns its upload ID.
	InitiateMultipartUpload(ctx context.Context, bucket, key string) (string, error)

	// CompleteMultipartUpload finalizes uploadID with the given parts,
	// which must be sorted by PartNumber.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error

	// AbortMultipartUpload cancels an in-flight multipart upload,
	// releasing any parts S3 has already stored.
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// S3Store implements ObjectStoreInterface against AWS S3 and any
// S3-compatible endpoint the caller configures on client.
type S3Store struct {
	client *s3.Client
}

// New wraps an already-configured s3.Client. Per-region client
// construction belongs to the caller, mirroring how awscloud.Provider
// builds one ec2.Client per subregion.
func New(client *s3.Client) *S3Store {
	return &S3Store{client: client}
}

func (s *S3Store) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchBucket") || strings.Contains(msg, "404") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Store) EnsureBucket(ctx context.Context, bucket, subregion string) error {
	exists, err := s.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if subregion != "" && subregion != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(subregion),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *S3Store) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects in %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
	}
	return out, nil
}

func (s *S3Store) InitiateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	resp, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("initiate multipart upload %s/%s: %w", bucket, key, err)
	}
	return aws.ToString(resp.UploadId), nil
}

func (s *S3Store) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	completed := make([]s3types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = s3types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		}
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload %s/%s (upload %s): %w", bucket, key, uploadID, err)
	}
	return nil
}

func (s *S3Store) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload %s/%s (upload %s): %w", bucket, key, uploadID, err)
	}
	return nil
}

var _ ObjectStoreInterface = (*S3Store)(nil)
