package network

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/digitalgoods/fulfillment-services/util/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/op/go-logging"
)

// MinioClientInterface lists the object-level minio calls the staging
// client makes, so tests can substitute their own. Bucket policy calls
// are left out on purpose; workers have no business changing them.
type MinioClientInterface interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// User metadata key for the admin-supplied file name. minio-go
// canonicalizes it to X-Amz-Meta-File-Name on the wire.
const metaFileName = "File-Name"

// StagingClient stores raw asset files, keyed by product, in an
// S3-compatible bucket until the product's first sale uploads them to a
// storage provider.
type StagingClient struct {
	Bucket string

	// Logger, when set, receives progress lines for large puts.
	Logger *logging.Logger

	client MinioClientInterface
}

// NewStagingClient returns a client for bucket on the S3-compatible
// server at host. Bucket lookup is forced to path style so that MinIO
// on localhost works in dev and test.
func NewStagingClient(host, keyID, secretKey, bucket string, useSSL bool) (*StagingClient, error) {
	client, err := minio.New(host, &minio.Options{
		Creds:        credentials.NewStaticV4(keyID, secretKey, ""),
		Secure:       useSSL,
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, err
	}
	return NewStagingClientWith(client, bucket), nil
}

// NewStagingClientWith wraps an existing minio client.
func NewStagingClientWith(client MinioClientInterface, bucket string) *StagingClient {
	return &StagingClient{Bucket: bucket, client: client}
}

func stagingKey(productID string) string {
	return fmt.Sprintf("staged/%s", productID)
}

// EnsureBucket creates the staging bucket if it does not exist.
func (c *StagingClient) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.Bucket)
	if err != nil {
		return fmt.Errorf("staging bucket %s: %w", c.Bucket, err)
	}
	if exists {
		return nil
	}
	return c.client.MakeBucket(ctx, c.Bucket, minio.MakeBucketOptions{})
}

// Put stores file, replacing anything already staged for its product.
func (c *StagingClient) Put(ctx context.Context, file *service.StagedFile) error {
	size := int64(len(file.Content))
	opts := minio.PutObjectOptions{
		ContentType:  file.MimeType,
		UserMetadata: map[string]string{metaFileName: file.FileName},
	}
	if c.Logger != nil {
		opts.Progress = logger.NewProgressLogger(c.Logger, "staging "+file.ProductID, size)
	}
	_, err := c.client.PutObject(ctx, c.Bucket, stagingKey(file.ProductID),
		bytes.NewReader(file.Content), size, opts)
	if err != nil {
		return fmt.Errorf("staging put %s: %w", file.ProductID, err)
	}
	return nil
}

// Get returns the file staged for productID, or nil if nothing is
// staged.
func (c *StagingClient) Get(ctx context.Context, productID string) (*service.StagedFile, error) {
	obj, err := c.client.GetObject(ctx, c.Bucket, stagingKey(productID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("staging get %s: %w", productID, err)
	}
	defer obj.Close()
	content, err := io.ReadAll(obj)
	if isNoSuchKey(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("staging get %s: %w", productID, err)
	}
	info, err := obj.Stat()
	if err != nil {
		return nil, fmt.Errorf("staging stat %s: %w", productID, err)
	}
	return &service.StagedFile{
		ProductID: productID,
		FileName:  info.UserMetadata[metaFileName],
		MimeType:  info.ContentType,
		Size:      int64(len(content)),
		Content:   content,
	}, nil
}

// Exists returns true if a file is staged for productID.
func (c *StagingClient) Exists(ctx context.Context, productID string) (bool, error) {
	_, err := c.client.StatObject(ctx, c.Bucket, stagingKey(productID), minio.StatObjectOptions{})
	if isNoSuchKey(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("staging stat %s: %w", productID, err)
	}
	return true, nil
}

// Delete removes the file staged for productID. Deleting a file that is
// not there is not an error.
func (c *StagingClient) Delete(ctx context.Context, productID string) error {
	err := c.client.RemoveObject(ctx, c.Bucket, stagingKey(productID), minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("staging delete %s: %w", productID, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
