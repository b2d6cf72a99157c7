package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const defaultS3Region = "eu-central-1"

// S3Client implements Client against AWS S3 and S3-compatible stores.
type S3Client struct {
	api s3API
}

// s3API is the slice of the AWS SDK the adapter uses; tests substitute a fake.
type s3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// NewS3Client builds an adapter from decrypted job credentials. A custom
// endpoint switches to path-style addressing so MinIO and Ceph RGW work.
func NewS3Client(creds Credentials) *S3Client {
	region := creds.Region
	if region == "" {
		region = defaultS3Region
	}
	opts := s3.Options{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
	}
	if creds.Endpoint != "" {
		opts.BaseEndpoint = aws.String(creds.Endpoint)
		opts.UsePathStyle = true
	}
	return &S3Client{api: s3.New(opts)}
}

// TestConnection checks bucket reachability via HeadBucket.
func (c *S3Client) TestConnection(ctx context.Context, bucket string) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return classifyS3Error(bucket, err)
	}
	return nil
}

// List pages through ListObjectsV2 and keeps objects whose basename matches
// the glob pattern.
func (c *S3Client) List(ctx context.Context, bucket, prefix, pattern string) ([]ObjectInfo, error) {
	var (
		objects           []ObjectInfo
		continuationToken *string
	)
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            optionalString(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, classifyS3Error(bucket, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			size := aws.ToInt64(obj.Size)
			if IsDirectoryMarker(key, size) {
				continue
			}
			if !MatchesPattern(pattern, key) {
				continue
			}
			info := ObjectInfo{
				Key:  key,
				Name: baseName(key),
				Size: size,
			}
			if obj.LastModified != nil {
				info.ModifiedAt = *obj.LastModified
			}
			objects = append(objects, info)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}
	return objects, nil
}

// Download fetches the full object content.
func (c *S3Client) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer func() {
		_ = out.Body.Close()
	}()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes one object. S3 DeleteObject is idempotent: deleting a
// missing key succeeds.
func (c *S3Client) Delete(ctx context.Context, bucket, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Move copies then deletes; S3 has no atomic rename. A delete failure after a
// successful copy leaves the object at both locations (see Client docs).
func (c *S3Client) Move(ctx context.Context, bucket, sourceKey, destKey string) error {
	_, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(destKey),
		CopySource: aws.String(url.PathEscape(bucket + "/" + sourceKey)),
	})
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", sourceKey, destKey, err)
	}
	if err := c.Delete(ctx, bucket, sourceKey); err != nil {
		return fmt.Errorf("moved %s to %s but source delete failed, object exists at both locations: %w",
			sourceKey, destKey, err)
	}
	return nil
}

// classifyS3Error maps provider error codes onto the storage sentinels.
func classifyS3Error(bucket string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %s", ErrNotFound, bucket)
		case "AccessDenied", "Forbidden", "AccountProblem":
			return fmt.Errorf("%w: %s: %s", ErrPermission, bucket, apiErr.ErrorMessage())
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken",
			"TokenRefreshRequired", "InvalidSecurity":
			return fmt.Errorf("%w: %s", ErrCredential, apiErr.ErrorMessage())
		}
	}
	return fmt.Errorf("s3 %s: %w", bucket, err)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func baseName(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}
