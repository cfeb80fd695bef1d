//go:build integration
// +build integration

package integration

import (
	"context"
	"io"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-parallelupload/catalog"
	"github.com/bitrise-io/go-parallelupload/chunkuploader"
	"github.com/bitrise-io/go-parallelupload/network"
	"github.com/bitrise-io/go-parallelupload/s3upload"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadToMediaService(t *testing.T) {
	// Given
	envs := requireEnv(t, "PARALLEL_UPLOAD_SERVICE_URL", "PARALLEL_UPLOAD_PARTNER_ID", "PARALLEL_UPLOAD_ADMIN_SECRET")
	partnerID, err := strconv.Atoi(envs["PARALLEL_UPLOAD_PARTNER_ID"])
	require.NoError(t, err)

	ctx := context.Background()
	logger.EnableDebugLog(true)
	provider := network.NewSessionProvider(network.NewClient(envs["PARALLEL_UPLOAD_SERVICE_URL"], "", logger))
	client, err := provider.Client(ctx, network.SessionParams{PartnerID: partnerID, Secret: envs["PARALLEL_UPLOAD_ADMIN_SECRET"]})
	require.NoError(t, err)

	path, data := randomFile(t, "integration-test.mp4", 3*units.MiB+17)
	uploadConfig := chunkuploader.DefaultConfig()
	uploadConfig.ChunkSize = units.MiB

	// When
	tokenID, err := chunkuploader.New(uploadConfig, client, logger).Upload(ctx, path)

	// Then
	require.NoError(t, err)
	token, err := client.GetUploadToken(ctx, tokenID)
	require.NoError(t, err)
	assert.Equal(t, float64(len(data)), token.UploadedFileSize)

	entry, err := catalog.NewAttacher(client, logger).Attach(ctx, tokenID, catalog.AttachParams{Name: "integration-test"})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
}

func TestUploadToS3(t *testing.T) {
	// Given
	envs := requireEnv(t, "AWS_REGION", "PARALLEL_UPLOAD_S3_BUCKET")
	ctx := context.Background()

	transport, err := s3upload.NewTransport(ctx, s3upload.Params{
		Region:    envs["AWS_REGION"],
		Bucket:    envs["PARALLEL_UPLOAD_S3_BUCKET"],
		KeyPrefix: "integration",
		ChunkSize: s3upload.MinPartSize,
	}, logger)
	require.NoError(t, err)

	path, data := randomFile(t, "integration-test.bin", 2*s3upload.MinPartSize+1)
	uploadConfig := chunkuploader.DefaultConfig()
	uploadConfig.ChunkSize = s3upload.MinPartSize

	// When
	_, err = chunkuploader.New(uploadConfig, transport, logger).Upload(ctx, path)

	// Then
	require.NoError(t, err)
	assert.Equal(t, checksumOf(data), downloadObjectChecksum(t, envs["AWS_REGION"], envs["PARALLEL_UPLOAD_S3_BUCKET"], "integration/integration-test.bin"))
}

// downloadObjectChecksum downloads the object and returns its SHA256 checksum
func downloadObjectChecksum(t *testing.T, region, bucket, key string) string {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	require.NoError(t, err)

	resp, err := s3.NewFromConfig(cfg).GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	require.NoError(t, err)
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.Log(err)
		}
	}(resp.Body)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return checksumOf(data)
}
