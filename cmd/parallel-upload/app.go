package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-parallelupload/catalog"
	"github.com/bitrise-io/go-parallelupload/chunkuploader"
	"github.com/bitrise-io/go-parallelupload/network"
	"github.com/bitrise-io/go-parallelupload/s3upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"
)

type app struct {
	cli          CLI
	envRepo      env.Repository
	logger       log.Logger
	pathChecker  pathutil.PathChecker
	pathModifier pathutil.PathModifier
}

func newApp(cli CLI, envRepo env.Repository, logger log.Logger) *app {
	return &app{
		cli:          cli,
		envRepo:      envRepo,
		logger:       logger,
		pathChecker:  pathutil.NewPathChecker(),
		pathModifier: pathutil.NewPathModifier(),
	}
}

func (a *app) run(ctx context.Context) error {
	config, err := chunkuploader.ConfigFromEnv(a.envRepo)
	if err != nil {
		return err
	}

	paths, err := a.expandPaths(a.cli.Paths)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files to upload")
	}
	if a.cli.EntryID != "" && len(paths) != 1 {
		return fmt.Errorf("--entry-id requires exactly one file, got %d", len(paths))
	}

	if a.cli.S3Bucket != "" {
		return a.uploadToS3(ctx, config, paths)
	}
	return a.uploadToMediaService(ctx, config, paths)
}

func (a *app) uploadToMediaService(ctx context.Context, config chunkuploader.Config, paths []string) error {
	if a.cli.ServiceURL == "" {
		return fmt.Errorf("--service-url must not be empty")
	}
	mediaType, err := network.ParseMediaType(a.cli.MediaType)
	if err != nil {
		return err
	}

	provider := network.NewSessionProvider(network.NewClient(a.cli.ServiceURL, "", a.logger))
	params := network.SessionParams{
		PartnerID: a.cli.PartnerID,
		Secret:    a.cli.AdminSecret,
		UserID:    a.cli.UserID,
	}
	client, err := provider.Client(ctx, params)
	if err != nil {
		return err
	}
	defer func() { client.CloseIdleConnections() }()

	var result *multierror.Error
	for _, path := range paths {
		if ctx.Err() != nil {
			result = multierror.Append(result, ctx.Err())
			break
		}

		entryID, err := a.uploadEntry(ctx, config, client, path, mediaType)
		if errors.Is(err, chunkuploader.ErrAuthenticationFailure) {
			a.logger.Warnf("%s: session rejected, starting a new one: %s", path, err)
			provider.Invalidate(params)
			client.CloseIdleConnections()
			if client, err = provider.Client(ctx, params); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
				break
			}
			entryID, err = a.uploadEntry(ctx, config, client, path, mediaType)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
			continue
		}
		a.logger.Printf("%s -> entry %s", path, entryID)
	}

	return result.ErrorOrNil()
}

// uploadEntry uploads one file and attaches it to a catalog entry.
func (a *app) uploadEntry(ctx context.Context, config chunkuploader.Config, client *network.Client, path string, mediaType network.MediaType) (string, error) {
	tokenID, err := chunkuploader.New(config, client, a.logger).Upload(ctx, path)
	if err != nil {
		return "", err
	}

	name := a.cli.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	entry, err := catalog.NewAttacher(client, a.logger).Attach(ctx, tokenID, catalog.AttachParams{EntryID: a.cli.EntryID, Name: name, MediaType: mediaType})
	if err != nil {
		return "", err
	}

	return entry.ID, nil
}

func (a *app) uploadToS3(ctx context.Context, config chunkuploader.Config, paths []string) error {
	transport, err := s3upload.NewTransport(ctx, s3upload.Params{
		Region:          a.cli.S3Region,
		Bucket:          a.cli.S3Bucket,
		KeyPrefix:       a.cli.S3Prefix,
		Endpoint:        a.cli.S3Endpoint,
		AccessKeyID:     a.envRepo.Get("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: a.envRepo.Get("AWS_SECRET_ACCESS_KEY"),
		ChunkSize:       config.ChunkSize,
	}, a.logger)
	if err != nil {
		return err
	}

	uploader := chunkuploader.New(config, transport, a.logger)

	var result *multierror.Error
	for _, path := range paths {
		if _, err := uploader.Upload(ctx, path); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
		}
	}

	return result.ErrorOrNil()
}

// expandPaths resolves glob patterns and returns the absolute paths of the matching regular files.
func (a *app) expandPaths(paths []string) ([]string, error) {
	var expandedPaths []string
	for _, path := range paths {
		if !strings.ContainsAny(path, "*?[{") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := a.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", path, err)
		}
		if len(matches) == 0 {
			a.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := a.pathModifier.AbsPath(path)
		if err != nil {
			return nil, fmt.Errorf("resolve path %s: %w", path, err)
		}

		exists, err := a.pathChecker.IsPathExists(absPath)
		if err != nil {
			return nil, fmt.Errorf("check path %s: %w", absPath, err)
		}
		if !exists {
			return nil, fmt.Errorf("file doesn't exist: %s", path)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			a.logger.Warnf("Skipping directory: %s", path)
			continue
		}

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}
