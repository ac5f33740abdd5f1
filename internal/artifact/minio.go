package artifact

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader pushes a completed batch output file to S3-compatible object
// storage so long runs leave a durable artifact off the worker host.
type Uploader struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Upload stores localPath under <runID>/<basename> and returns the
// artifact URI. The bucket is created when missing.
func (u *Uploader) Upload(ctx context.Context, localPath, runID string) (string, error) {
	endpoint := strings.TrimSpace(u.Endpoint)
	if endpoint == "" {
		return "", errors.New("minio endpoint is required when SQUEEZE_ARTIFACT_BACKEND=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(u.AccessKey, u.SecretKey, ""),
		Secure: u.UseSSL,
	})
	if err != nil {
		return "", err
	}
	bucket := strings.TrimSpace(u.Bucket)
	if bucket == "" {
		bucket = "squeeze-batches"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return "", err
		}
	}
	objectName := runID + "/" + filepath.Base(localPath)
	if _, err := client.FPutObject(ctx, bucket, objectName, localPath, minio.PutObjectOptions{ContentType: "application/jsonl"}); err != nil {
		return "", err
	}
	return fmt.Sprintf("artifact://s3/%s/%s", bucket, objectName), nil
}
