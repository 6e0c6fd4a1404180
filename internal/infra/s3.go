package infra

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
	// KeyPrefix is prepended to the file name of an audio reference.
	KeyPrefix string
}

// S3Artifacts answers audio readiness straight from the bucket the
// synthesis workers write into.
type S3Artifacts struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3Artifacts(ctx context.Context, cfg S3Config) (*S3Artifacts, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init S3 client: %w", err)
	}

	// проверим, что бакет существует
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}

	return &S3Artifacts{client: client, bucket: cfg.Bucket, prefix: cfg.KeyPrefix}, nil
}

func (s *S3Artifacts) ProbeArtifact(ctx context.Context, ref string) (bool, error) {
	key, err := objectKey(s.prefix, ref)
	if err != nil {
		return false, err
	}

	_, err = s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", key, err)
}

func (s *S3Artifacts) FetchArtifact(ctx context.Context, ref string) (*ports.Artifact, error) {
	key, err := objectKey(s.prefix, ref)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ports.NewError(ports.KindNotFound, "audio "+ref+" not found", err)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return &ports.Artifact{Data: data, ContentType: info.ContentType}, nil
}

// objectKey maps "/audio/auto_1.wav" or a full URL to "<prefix>auto_1.wav".
func objectKey(prefix, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", ports.NewError(ports.KindInvalidInput, "bad reference "+ref, err)
	}
	name := path.Base(strings.TrimRight(u.Path, "/"))
	if name == "." || name == "/" || name == "" {
		return "", ports.NewError(ports.KindInvalidInput, "bad reference "+ref, nil)
	}
	return prefix + name, nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
