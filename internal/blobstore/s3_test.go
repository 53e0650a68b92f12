package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	objects  map[string][]byte
	pageSize int
	deleted  []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: 2}
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	keys := make([]string, 0)
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	start := 0
	if token := aws.ToString(params.ContinuationToken); token != "" {
		for index, key := range keys {
			if key > token {
				start = index
				break
			}
		}
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}
	output := &s3.ListObjectsV2Output{}
	for _, key := range keys[start:end] {
		output.Contents = append(output.Contents, types.Object{Key: aws.String(key)})
	}
	if end < len(keys) {
		output.IsTruncated = aws.Bool(true)
		output.NextContinuationToken = aws.String(keys[end-1])
	}
	return output, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, object := range params.Delete.Objects {
		key := aws.ToString(object.Key)
		f.deleted = append(f.deleted, key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3BackendLayoutAndNotFound(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	backend := newS3Backend(client, "bucket", "/jotrip/")

	if err := backend.Put(ctx, "alice", "notes/n1.json", []byte("sealed")); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if _, ok := client.objects["jotrip/alice/notes/n1.json"]; !ok {
		t.Fatalf("unexpected object layout %v", client.objects)
	}
	data, err := backend.Get(ctx, "alice", "notes/n1.json")
	if err != nil || string(data) != "sealed" {
		t.Fatalf("unexpected get %q %v", data, err)
	}
	if _, err := backend.Get(ctx, "alice", "notes/missing.json"); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestS3BackendDeleteAllPagesThroughAccountPrefix(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	backend := newS3Backend(client, "bucket", "")
	for _, key := range []string{"notes/a.json", "notes/b.json", "tabs/c.json", "images/d.json", "deleted/notes/e.json"} {
		_ = backend.Put(ctx, "alice", key, []byte("x"))
	}
	_ = backend.Put(ctx, "alicea", "notes/z.json", []byte("x"))

	if err := backend.DeleteAll(ctx, "alice"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if len(client.deleted) != 5 {
		t.Fatalf("expected 5 deletions, got %v", client.deleted)
	}
	for _, key := range client.deleted {
		if !strings.HasPrefix(key, "alice/") {
			t.Fatalf("deleted object outside account prefix: %s", key)
		}
	}
}

func TestNewS3BackendRequiresBucket(t *testing.T) {
	if _, err := NewS3Backend(context.Background(), S3Config{}); !errors.Is(err, errMissingBucket) {
		t.Fatalf("expected errMissingBucket, got %v", err)
	}
}
