package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectStore is the durable copy behind the Redis index. Every stored
// document is one object under "<prefix>/docs/<type>/<id>", so a write only
// touches the objects of the documents it changed.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
	// ListObjects returns the keys starting with prefix in lexical order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// objectLayout maps documents to object keys.
type objectLayout struct {
	prefix string
}

func (l objectLayout) root() string {
	return l.prefix + "/docs/"
}

func (l objectLayout) typePrefix(docType string) string {
	return l.root() + docType + "/"
}

func (l objectLayout) key(docType, id string) string {
	return l.typePrefix(docType) + id
}

// parse splits an object key back into document type and id. Ids may
// contain slashes, types may not.
func (l objectLayout) parse(key string) (docType, id string, ok bool) {
	rest, found := strings.CutPrefix(key, l.root())
	if !found {
		return "", "", false
	}
	docType, id, ok = strings.Cut(rest, "/")
	return docType, id, ok && docType != "" && id != ""
}

// InMemoryObjectStore keeps objects in process memory, for tests and single
// process deployments. It is safe for concurrent use.
type InMemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewInMemoryObjectStore constructs an empty store.
func NewInMemoryObjectStore() *InMemoryObjectStore {
	return &InMemoryObjectStore{objects: make(map[string][]byte)}
}

func (s *InMemoryObjectStore) PutObject(_ context.Context, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = copyBytes(body)
	return nil
}

func (s *InMemoryObjectStore) GetObject(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return copyBytes(body), nil
}

func (s *InMemoryObjectStore) DeleteObject(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *InMemoryObjectStore) ListObjects(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// S3Client is the part of the AWS SDK client the S3 store calls.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3ObjectStore keeps document objects in one S3-compatible bucket.
type S3ObjectStore struct {
	client S3Client
	bucket string
}

func NewS3ObjectStore(client S3Client, bucket string) *S3ObjectStore {
	return &S3ObjectStore{client: client, bucket: bucket}
}

// S3Settings describes how to reach a bucket. Empty keys fall back to anonymous access.
type S3Settings struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an SDK client for the settings. A custom endpoint switches
// to path-style addressing for S3-compatible servers.
func NewS3Client(settings S3Settings) *s3.Client {
	opts := s3.Options{Region: settings.Region}
	if settings.Endpoint != "" {
		opts.BaseEndpoint = aws.String(settings.Endpoint)
		opts.UsePathStyle = true
	}
	if settings.AccessKeyID != "" {
		keyID, secret := settings.AccessKeyID, settings.SecretAccessKey
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: keyID, SecretAccessKey: secret, Source: "revbranch-config"}, nil
		})
	}
	return s3.New(opts)
}

func (s *S3ObjectStore) PutObject(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (s *S3ObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	var missing *types.NoSuchKey
	if errors.As(err, &missing) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// DeleteObject removes key. S3 reports success for keys that do not exist.
func (s *S3ObjectStore) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

func (s *S3ObjectStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}
