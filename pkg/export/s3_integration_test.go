//go:build integration

package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// localstackEndpoint starts a Localstack container, or uses
// LOCALSTACK_ENDPOINT when set.
func localstackEndpoint(t *testing.T) string {
	t.Helper()
	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		return endpoint
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "localstack/localstack:3.0",
			ExposedPorts: []string{"4566/tcp"},
			Env: map[string]string{
				"SERVICES":              "s3",
				"DEFAULT_REGION":        "us-east-1",
				"EAGER_SERVICE_LOADING": "1",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4566/tcp"),
				wait.ForHTTP("/_localstack/health").
					WithPort("4566/tcp").
					WithStartupTimeout(60*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err, "start localstack")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4566")
	require.NoError(t, err)
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func TestExport_S3Integration(t *testing.T) {
	ctx := context.Background()
	cfg := S3Config{
		Region:          "us-east-1",
		Endpoint:        localstackEndpoint(t),
		ForcePathStyle:  true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}

	client, err := NewS3Client(ctx, cfg)
	require.NoError(t, err)
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("images")})
	require.NoError(t, err)

	r, data := newRegion(t)
	dest, err := ParseDestination("s3://images/regions/one.img")
	require.NoError(t, err)

	e := &Exporter{S3: cfg}
	n, err := e.Export(ctx, r, dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), n)

	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("images"), Key: aws.String("regions/one.img")})
	require.NoError(t, err)
	defer func() { _ = out.Body.Close() }()
	got, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	t.Run("Multipart", func(t *testing.T) {
		w := NewS3Writer(ctx, client, "images", "big.img", MinPartSize)
		payload := make([]byte, 2*MinPartSize+123)
		for i := range payload {
			payload[i] = byte(i % 251)
		}
		_, err := w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("images"), Key: aws.String("big.img")})
		require.NoError(t, err)
		defer func() { _ = out.Body.Close() }()
		got, err := io.ReadAll(out.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})
}
