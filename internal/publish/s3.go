package publish

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/sitepress/internal/pathutil"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

// maxArtifactBytes caps reads of a single document from S3.
const maxArtifactBytes int64 = 16 * 1024 * 1024

// S3API is the subset of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Artifacts stores artifacts as objects: s3://{bucket}/{prefix}/{key}
type S3Artifacts struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Artifacts(client S3API, bucket, prefix string) (*S3Artifacts, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("S3 bucket is required")
	}
	return &S3Artifacts{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (a *S3Artifacts) objectKey(key string) (string, error) {
	if _, ok := pathutil.Resolve("/", key); !ok {
		return "", xerrors.Ef(xerrors.KindPathEscape, "artifact key %q is not a relative path", key)
	}
	if a.prefix == "" {
		return key, nil
	}
	return path.Join(a.prefix, key), nil
}

func (a *S3Artifacts) Put(ctx context.Context, key string, body []byte) error {
	k, err := a.objectKey(key)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(a.bucket),
		Key:          aws.String(k),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String("text/html; charset=utf-8"),
		CacheControl: aws.String("no-cache"),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put S3 object s3://%s/%s", a.bucket, k)
	}
	return nil
}

func (a *S3Artifacts) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := a.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, xerrors.Ef(xerrors.KindNotFound, "artifact %s not found", key)
		}
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", a.bucket, k)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", a.bucket, k)
	}
	if int64(len(b)) > maxArtifactBytes {
		return nil, xerrors.Newf("artifact %s exceeds max size (%d bytes)", key, maxArtifactBytes)
	}
	return b, nil
}

// Delete removes the object. S3 reports success for missing keys.
func (a *S3Artifacts) Delete(ctx context.Context, key string) error {
	k, err := a.objectKey(key)
	if err != nil {
		return err
	}
	_, err = a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return xerrors.Wrapf(err, "delete S3 object s3://%s/%s", a.bucket, k)
	}
	return nil
}
