package embedpy

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	perr "embedpy/internal/errors"
)

// objectAPI is the subset of the S3 client the store uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// ArtifactStore publishes packed distributions to an S3-compatible bucket.
type ArtifactStore struct {
	Client     objectAPI
	BucketName string
}

// NewArtifactStore builds a path-style S3 client from S3_* config values.
// S3_ENDPOINT is optional; without it the regular AWS endpoints are used.
func NewArtifactStore(ctx context.Context, cfg *Config) (*ArtifactStore, error) {
	endpoint := cfg.Values["S3_ENDPOINT"]
	region := valueOr(cfg.Values["S3_REGION"], "auto")
	accessKey := cfg.Values["S3_ACCESS_KEY_ID"]
	secretKey := cfg.Values["S3_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["S3_BUCKET"]

	if bucketName == "" {
		return nil, perr.New(perr.CodeConfigInvalid, "S3_BUCKET is not configured")
	}

	options := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, perr.Wrap(perr.CodePublishFailed, err, "load S3 config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &ArtifactStore{Client: client, BucketName: bucketName}, nil
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	case strings.HasSuffix(key, ".b3"):
		return "text/plain"
	}
	return "application/octet-stream"
}

// UploadLocalFile uploads a file from disk.
func (a *ArtifactStore) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}
	_, err = a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentTypeFor(key)),
	})
	return err
}

// Publish uploads the artifact and its checksum under prefix. The checksum
// goes last so a listed .b3 always has its archive next to it.
func (a *ArtifactStore) Publish(ctx context.Context, art *Artifact, prefix string) ([]string, error) {
	var keys []string
	for _, p := range []string{art.Path, art.ChecksumPath} {
		key := path.Join(prefix, filepath.Base(p))
		stepf("Uploading s3://%s/%s", a.BucketName, key)
		if err := a.UploadLocalFile(ctx, key, p); err != nil {
			return keys, perr.Wrap(perr.CodePublishFailed, err, "upload %s", key)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// StoredObject is metadata for one object in the bucket.
type StoredObject struct {
	Key  string
	Size int64
}

// ListObjects returns the objects in the bucket under prefix.
func (a *ArtifactStore) ListObjects(ctx context.Context, prefix string) ([]StoredObject, error) {
	var objects []StoredObject
	paginator := s3.NewListObjectsV2Paginator(a.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.BucketName),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, perr.Wrap(perr.CodePublishFailed, err, "list s3://%s/%s", a.BucketName, prefix)
		}
		for _, obj := range page.Contents {
			objects = append(objects, StoredObject{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return objects, nil
}
