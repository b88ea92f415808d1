package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/downstairs/internal/bytesize"
	"github.com/marmos91/downstairs/pkg/metrics"
	"github.com/marmos91/downstairs/pkg/region"
)

func TestParseDestination(t *testing.T) {
	tests := []struct {
		in      string
		want    Destination
		wantErr bool
	}{
		{in: "/tmp/image.raw", want: Destination{Path: "/tmp/image.raw"}},
		{in: "image.raw", want: Destination{Path: "image.raw"}},
		{in: "s3://bucket/dir/image.raw", want: Destination{Bucket: "bucket", Key: "dir/image.raw"}},
		{in: "s3://bucket", wantErr: true},
		{in: "s3:///key", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDestination(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func newRegion(t *testing.T) (*region.Region, []byte) {
	t.Helper()
	ctx := context.Background()
	r, err := region.Create(ctx, filepath.Join(t.TempDir(), "region"), region.NewDefinition(512, 4, 3), region.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	data := make([]byte, 12*512)
	for i := range data {
		data[i] = byte(i / 512)
	}
	require.NoError(t, r.Write(ctx, 0, data, false))
	return r, data
}

func TestExport_File(t *testing.T) {
	r, data := newRegion(t)
	path := filepath.Join(t.TempDir(), "image.raw")

	e := &Exporter{Metrics: metrics.NewMetrics(nil)}
	n, err := e.Export(context.Background(), r, Destination{Path: path}, Options{Skip: 2, Count: 5})
	require.NoError(t, err)
	assert.Equal(t, uint64(5*512), n)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data[2*512:7*512], got)
}

func TestExport_FileFailureLeavesNothing(t *testing.T) {
	r, _ := newRegion(t)
	dir := t.TempDir()

	e := &Exporter{}
	_, err := e.Export(context.Background(), r, Destination{Path: filepath.Join(dir, "image.raw")}, Options{Skip: 10, Count: 5})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// fakeS3 records uploads in memory.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	parts     map[int32][]byte
	uploads   int
	aborted   int
	failPart  int32
	completed bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, parts: map[int32][]byte{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	num := aws.ToInt32(in.PartNumber)
	if num == f.failPart {
		return nil, errors.New("slow down")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[num] = data
	return &s3.UploadPartOutput{ETag: aws.String("etag")}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var obj []byte
	for _, p := range in.MultipartUpload.Parts {
		obj = append(obj, f.parts[aws.ToInt32(p.PartNumber)]...)
	}
	f.objects[aws.ToString(in.Key)] = obj
	f.completed = true
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestS3Writer_SmallObject(t *testing.T) {
	f := newFakeS3()
	w := NewS3Writer(context.Background(), f, "bucket", "small", 0)

	_, err := w.Write([]byte("tiny"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, []byte("tiny"), f.objects["small"])
	assert.Zero(t, f.uploads)
}

func TestS3Writer_Multipart(t *testing.T) {
	f := newFakeS3()
	w := NewS3Writer(context.Background(), f, "bucket", "big", MinPartSize)

	data := bytes.Repeat([]byte("0123456789abcdef"), int(MinPartSize)/16*2+100)
	for chunk := range slices.Chunk(data, 1<<20) {
		_, err := w.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	assert.True(t, f.completed)
	assert.Len(t, f.parts, 3)
	assert.Equal(t, data, f.objects["big"])
}

func TestS3Writer_AbortsOnPartFailure(t *testing.T) {
	f := newFakeS3()
	f.failPart = 2
	w := NewS3Writer(context.Background(), f, "bucket", "big", MinPartSize)

	_, err := w.Write(make([]byte, 3*MinPartSize))
	require.ErrorContains(t, err, "upload part 2")
	assert.Error(t, w.Close())

	assert.Equal(t, 1, f.aborted)
	assert.False(t, f.completed)
	assert.NotContains(t, f.objects, "big")
}

func TestExport_S3(t *testing.T) {
	r, data := newRegion(t)
	f := newFakeS3()
	m := metrics.NewMetrics(nil)

	e := &Exporter{Client: f, S3: S3Config{PartSize: bytesize.MiB}, Metrics: m}
	n, err := e.Export(context.Background(), r, Destination{Bucket: "bucket", Key: "region.img"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), n)
	assert.Equal(t, data, f.objects["region.img"])
}
