package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// CLI ...
type CLI struct {
	ServiceURL  string   `kong:"name='service-url',env='PARALLEL_UPLOAD_SERVICE_URL',help='Media service base URL.'"`
	PartnerID   int      `kong:"name='partner-id',env='PARALLEL_UPLOAD_PARTNER_ID',help='Partner id the session is started for.'"`
	AdminSecret string   `kong:"name='admin-secret',env='PARALLEL_UPLOAD_ADMIN_SECRET',help='Partner admin secret.'"`
	UserID      string   `kong:"name='user-id',env='PARALLEL_UPLOAD_USER_ID',help='User the session is started for.'"`
	EntryID     string   `kong:"name='entry-id',env='PARALLEL_UPLOAD_ENTRY_ID',help='Replace the content of this entry instead of creating a new one.'"`
	Name        string   `kong:"name='name',env='PARALLEL_UPLOAD_NAME',help='Name of the created entry, defaults to the file name.'"`
	MediaType   string   `kong:"name='media-type',env='PARALLEL_UPLOAD_MEDIA_TYPE',default='video',enum='video,image,audio',help='Type of the created entry.'"`
	S3Bucket    string   `kong:"name='s3-bucket',env='PARALLEL_UPLOAD_S3_BUCKET',help='Upload to this S3 bucket instead of the media service.'"`
	S3Region    string   `kong:"name='s3-region',env='AWS_REGION',help='Region of the S3 bucket.'"`
	S3Prefix    string   `kong:"name='s3-prefix',env='PARALLEL_UPLOAD_S3_PREFIX',help='Key prefix of uploaded objects.'"`
	S3Endpoint  string   `kong:"name='s3-endpoint',env='PARALLEL_UPLOAD_S3_ENDPOINT',help='Custom S3 compatible endpoint.'"`
	Debug       bool     `kong:"name='debug',env='PARALLEL_UPLOAD_DEBUG',help='Enable debug logging.'"`
	Paths       []string `kong:"arg,name='path',help='Files or glob patterns to upload.'"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("parallel-upload"),
		kong.Description("Uploads large files in parallel chunks."),
		kong.UsageOnError(),
	)

	logger := log.NewLogger()
	logger.EnableDebugLog(cli.Debug)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp(cli, env.NewRepository(), logger).run(ctx); err != nil {
		logger.Errorf("%s", err)
		cancel()
		os.Exit(1)
	}
}
