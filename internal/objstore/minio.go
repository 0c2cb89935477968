package objstore

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// MinioOptions configures an S3-compatible store.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// MinioStore implements Store on an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinio connects to the endpoint and makes sure the bucket exists.
func NewMinio(ctx context.Context, opts MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, eris.Wrap(err, "objstore: create minio client")
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: check bucket %s", opts.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, eris.Wrapf(err, "objstore: create bucket %s", opts.Bucket)
		}
		zap.L().Info("created bucket", zap.String("bucket", opts.Bucket))
	}

	return &MinioStore{client: client, bucket: opts.Bucket}, nil
}

// Get reads the object at key.
func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapErr(err, "get", key)
	}
	defer obj.Close() //nolint:errcheck

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapErr(err, "get", key)
	}
	return data, nil
}

// Put writes data at key. Create-only writes send If-None-Match: * and also
// stat first, since not every S3-compatible server honours the header.
func (s *MinioStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if err := validateKey(key); err != nil {
		return err
	}

	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if !opts.Overwrite {
		if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
			return eris.Wrapf(ErrExists, "objstore: put %s", key)
		} else if minio.ToErrorResponse(err).StatusCode != http.StatusNotFound {
			return s.mapErr(err, "stat", key)
		}
		putOpts.SetMatchETagExcept("*")
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), putOpts)
	if err != nil {
		return s.mapErr(err, "put", key)
	}
	return nil
}

// List returns every key under prefix.
func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, s.mapErr(info.Err, "list", prefix)
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

func (s *MinioStore) mapErr(err error, op, key string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return eris.Wrapf(ErrNotFound, "objstore: %s %s", op, key)
	case resp.StatusCode == http.StatusPreconditionFailed:
		return eris.Wrapf(ErrExists, "objstore: %s %s", op, key)
	default:
		return eris.Wrapf(err, "objstore: %s %s/%s", op, s.bucket, key)
	}
}
