package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/subcommands"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tcehjaava/nbd-server/config"
	"github.com/tcehjaava/nbd-server/objstore"
	"github.com/tcehjaava/nbd-server/server"
)

// Exit codes, per spec §6: 0 clean shutdown, 1 configuration error, 2
// listen failure, 3 fatal runtime error.
const (
	exitConfigError   subcommands.ExitStatus = 1
	exitListenFailure subcommands.ExitStatus = 2
	exitRuntimeError  subcommands.ExitStatus = 3
)

func init() {
	commands = append(commands, &serveCmd{})
}

type serveCmd struct{}

func (cmd *serveCmd) Name() string     { return "serve" }
func (cmd *serveCmd) Synopsis() string { return "serve block devices backed by S3 over NBD" }
func (cmd *serveCmd) Usage() string {
	return `Usage: nbd-s3-server serve

Serve NBD exports backed by an S3-compatible object store. Configuration
is read entirely from environment variables (NBD_S3_*); see SPEC_FULL.md
§6.1.
`
}

func (cmd *serveCmd) SetFlags(fs *flag.FlagSet) {}

func (cmd *serveCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	defer log.Sync()

	s3Client, err := newS3Client(ctx, cfg)
	if err != nil {
		log.Error("building S3 client failed", zap.Error(err))
		return exitConfigError
	}
	store := objstore.New(s3Client, cfg.S3Bucket)
	registry := server.NewRegistry(cfg.ExportSize)
	listener := server.New(store, registry, log, server.Config{
		FlushParallelism:  cfg.FlushParallelism,
		LeaseTTL:          cfg.LeaseTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Info("listening", zap.String("addr", addr), zap.String("bucket", cfg.S3Bucket))
	if err := listener.Serve(ctx, "tcp", addr); err != nil {
		log.Error("server exited with error", zap.Error(err))
		if ctx.Err() != nil {
			return exitRuntimeError
		}
		return exitListenFailure
	}
	return subcommands.ExitSuccess
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("config: NBD_S3_LOG_LEVEL: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = true
	}), nil
}
