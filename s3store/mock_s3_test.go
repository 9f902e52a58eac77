package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type mockObject struct {
	data []byte
	etag string
}

// mockS3Client implements S3Client with conditional write semantics.
type mockS3Client struct {
	mu       sync.Mutex
	objects  map[string]mockObject
	version  int
	getError error
	// beforePut runs inside PutObject before the precondition check, to inject races.
	beforePut func(key string)
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string]mockObject)}
}

func preconditionFailed() error {
	return &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
}

func (m *mockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput,
	_ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var key = aws.ToString(params.Key)

	if m.beforePut != nil {
		var hook = m.beforePut
		m.beforePut = nil
		hook(key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var existing, exists = m.objects[key]
	if params.IfNoneMatch != nil && *params.IfNoneMatch == "*" && exists {
		return nil, preconditionFailed()
	}
	if params.IfMatch != nil && (!exists || existing.etag != *params.IfMatch) {
		return nil, preconditionFailed()
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.version++
	var etag = fmt.Sprintf("\"v%d\"", m.version)
	m.objects[key] = mockObject{data: data, etag: etag}

	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput,
	_ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getError != nil {
		return nil, m.getError
	}

	var object, exists = m.objects[aws.ToString(params.Key)]
	if !exists {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(object.data)),
		ETag: aws.String(object.etag),
	}, nil
}

func (m *mockS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input,
	_ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, aws.ToString(params.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var contents = make([]types.Object, 0, len(keys))
	for _, key := range keys {
		contents = append(contents, types.Object{Key: aws.String(key)})
	}

	return &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(false),
	}, nil
}
