package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-resumable/chunk"
	"github.com/bitrise-io/go-resumable/journal"
	"github.com/bitrise-io/go-resumable/stepconf"
	"github.com/bitrise-io/go-resumable/transport"
	"github.com/bitrise-io/go-resumable/upload"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newUploadCmd(envRepo env.Repository, logger log.Logger) *cobra.Command {
	inputs := defaultInputs()
	envErr := stepconf.NewPrefixedInputParser(envRepo, envPrefix).Parse(&inputs)

	cmd := &cobra.Command{
		Use:   "upload [flags] PATH...",
		Short: "Upload files in chunks",
		Long: `Upload files, directories and glob patterns (dist/**/*.zip) in chunks.
Directories are walked recursively; the relative path of every file is sent along.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			return runUpload(cmd.Context(), inputs, args, envRepo, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&inputs.Target, "target", "t", inputs.Target, "Upload endpoint URL")
	flags.StringVar(&inputs.ChunkSize, "chunk-size", inputs.ChunkSize, "Chunk size (e.g. 512KiB, 4MiB), at least 5MiB with --s3-bucket")
	flags.BoolVar(&inputs.ForceChunkSize, "force-chunk-size", inputs.ForceChunkSize, "Declare the full chunk size for the last chunk too")
	flags.IntVarP(&inputs.Simultaneous, "simultaneous", "n", inputs.Simultaneous, "Maximum number of chunks in flight")
	flags.IntVar(&inputs.MaxFiles, "max-files", inputs.MaxFiles, "Maximum number of files, 0 means no limit")
	flags.StringVar(&inputs.MaxFileSize, "max-file-size", inputs.MaxFileSize, "Largest accepted file size, 0 means no limit")
	flags.StringSliceVar(&inputs.FileTypes, "file-type", inputs.FileTypes, "Accepted file types: extensions, MIME patterns or name globs")
	flags.BoolVar(&inputs.TestChunks, "test-chunks", inputs.TestChunks, "Probe every chunk before uploading it")
	flags.StringVar(&inputs.TestMethod, "test-method", inputs.TestMethod, "HTTP method of chunk probes")
	flags.StringArrayVarP(&inputs.Headers, "header", "H", inputs.Headers, "Extra request header ('Key: value'), repeatable")
	flags.StringArrayVar(&inputs.Query, "query", inputs.Query, "Extra query parameter ('key=value'), repeatable")
	flags.BoolVar(&inputs.WithCredentials, "with-credentials", inputs.WithCredentials, "Keep and send back cookies set by the endpoint")
	flags.StringVar(&inputs.FileField, "file-parameter-name", inputs.FileField, "Multipart field name of the chunk payload")
	flags.StringVar(&inputs.FileNameField, "file-name-field", inputs.FileNameField, "Response field holding the stored file name")
	flags.BoolVar(&inputs.Compress, "compress", inputs.Compress, "Compress chunk payloads with zstd")
	flags.IntVar(&inputs.Retries, "retries", inputs.Retries, "Retries of a chunk after a retryable failure")
	flags.DurationVar(&inputs.Timeout, "timeout", inputs.Timeout, "Timeout of a single chunk request")
	flags.DurationVar(&inputs.HungThreshold, "hung-threshold", inputs.HungThreshold, "Cancel uploads this much slower than the average, 0 disables it")
	flags.StringVar(&inputs.Journal, "journal", inputs.Journal, "Journal database recording uploaded chunks across runs")
	flags.StringVar(&inputs.MetricsAddr, "metrics-addr", inputs.MetricsAddr, "Serve Prometheus metrics on this address while uploading")
	flags.BoolVar(&inputs.Analytics, "analytics", inputs.Analytics, "Send anonymous usage analytics")
	flags.BoolVarP(&inputs.Verbose, "verbose", "v", inputs.Verbose, "Enable debug logs")
	flags.StringVar(&inputs.S3Bucket, "s3-bucket", inputs.S3Bucket, "Upload to this S3 bucket instead of the target URL")
	flags.StringVar(&inputs.S3Region, "s3-region", inputs.S3Region, "S3 region")
	flags.StringVar(&inputs.S3Prefix, "s3-prefix", inputs.S3Prefix, "Object key prefix")
	flags.StringVar(&inputs.S3Endpoint, "s3-endpoint", inputs.S3Endpoint, "Endpoint of an S3 compatible storage")
	flags.BoolVar(&inputs.S3PathStyle, "s3-path-style", inputs.S3PathStyle, "Use path style S3 addressing")

	return cmd
}

func runUpload(ctx context.Context, inputs Inputs, args []string, envRepo env.Repository, logger log.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger.EnableDebugLog(inputs.Verbose)
	if inputs.Verbose {
		stepconf.Print(inputs)
	}

	config, err := inputs.sessionConfig()
	if err != nil {
		return err
	}

	t, err := inputs.newTransport(ctx, logger)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	if closer, ok := t.(io.Closer); ok {
		defer closeWithLog(closer, "transport", logger)
	}

	if inputs.Journal != "" {
		j, err := journal.Open(inputs.Journal, logger)
		if err != nil {
			return err
		}
		defer closeWithLog(j, "journal", logger)
		config.Journal = j
	}

	if inputs.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		config.Metrics = upload.NewMetrics(reg)
		server, err := serveMetrics(inputs.MetricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer server.Close()
	}

	session, err := upload.New(config, t, logger)
	if err != nil {
		return err
	}
	defer closeWithLog(session, "session", logger)

	session.Subscribe(newReporter(logger).handle)
	if inputs.Analytics {
		tracker := upload.NewTracker(analytics.NewDefaultTracker(logger, analytics.Properties{
			"session_id":   session.ID(),
			"simultaneous": config.SimultaneousUploads,
			"chunk_size":   config.ChunkSize,
			"test_chunks":  config.TestChunks,
			"ci":           envRepo.Get("CI") == "true",
		}))
		session.Subscribe(tracker.Handle)
		defer tracker.Wait()
	}

	paths, err := expandPaths(args, logger)
	if err != nil {
		return err
	}
	files := make([]upload.File, 0, len(paths))
	for _, p := range paths {
		src, err := chunk.OpenFile(p.Path)
		if err != nil {
			return err
		}
		defer closeWithLog(src, p.Path, logger)
		files = append(files, upload.LocalFile(src, p.RelativePath))
	}

	result, err := session.Admit(files...)
	if err != nil {
		return err
	}
	for _, id := range result.Duplicates {
		logger.Warnf("Skipped duplicate file: %s", id)
	}
	if len(result.Admitted) == 0 {
		return errors.New("no file to upload")
	}

	var total int64
	for _, f := range session.Files() {
		total += f.Size
	}
	logger.Printf("Uploading %d file(s), %s in total", len(result.Admitted), units.HumanSize(float64(total)))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Start(); err != nil {
		return err
	}
	if err := session.Wait(ctx); err != nil {
		if cancelErr := session.Cancel(); cancelErr != nil {
			logger.Warnf("Failed to cancel upload: %s", cancelErr)
		}
		return fmt.Errorf("upload interrupted: %w", err)
	}

	var stats *transport.Stats
	if detector, ok := t.(*transport.HungDetector); ok {
		stats = detector.Stats()
	}
	return summarize(session.Files(), len(result.Rejected), stats, logger)
}

func summarize(files []upload.FileSnapshot, rejected int, stats *transport.Stats, logger log.Logger) error {
	var completed, failed int
	var bytes int64
	for _, f := range files {
		switch f.Status {
		case upload.StatusCompleted:
			completed++
			bytes += f.Size
		case upload.StatusErrored:
			failed++
		}
	}

	logger.Println()
	logger.Infof("Uploaded %d file(s), %s", completed, units.HumanSize(float64(bytes)))
	if timing := chunkTiming(stats); timing != "" {
		logger.Printf("%s", timing)
	}
	if failed > 0 || rejected > 0 {
		return fmt.Errorf("%d file(s) failed, %d file(s) rejected", failed, rejected)
	}
	return nil
}

// chunkTiming describes the successful chunk uploads, empty without any.
func chunkTiming(stats *transport.Stats) string {
	if stats == nil || stats.FinishedCount() == 0 {
		return ""
	}
	return fmt.Sprintf("%d chunk upload(s) in %s, %s on average",
		stats.FinishedCount(), stats.TotalDuration().Round(time.Millisecond), stats.Average().Round(time.Millisecond))
}

func closeWithLog(c io.Closer, name string, logger log.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("Failed to close %s: %s", name, err)
	}
}
