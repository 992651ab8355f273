package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/demo"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
)

// fakeS3 keeps objects in memory
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Archiver_ArchiveAndRestore(t *testing.T) {
	store := newFakeS3()
	a := NewS3Archiver(store, "cluso", "master/", logging.NewNopLogger())
	a.now = func() time.Time { return time.UnixMilli(1700000000123) }

	g := demo.Building()
	require.NoError(t, a.Archive(context.Background(), g))

	assert.Contains(t, store.objects, "cluso/master/1700000000123.cbor")
	assert.Contains(t, store.objects, "cluso/master/latest.cbor")
	assert.Equal(t, store.objects["cluso/master/1700000000123.cbor"], store.objects["cluso/master/latest.cbor"])

	restored, err := a.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, g.Equal(restored))
}

func TestS3Archiver_RestoreMissing(t *testing.T) {
	a := NewS3Archiver(newFakeS3(), "cluso", "master/", nil)
	_, err := a.Restore(context.Background())
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestS3Archiver_PutError(t *testing.T) {
	store := newFakeS3()
	store.putErr = errors.New("access denied")
	a := NewS3Archiver(store, "cluso", "", nil)

	err := a.Archive(context.Background(), bigraph.Bigraph{Nodes: []bigraph.Node{{ID: 1, Control: "Building", Parent: bigraph.NoParent}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
