package main

import (
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
)

// envPrefix prefixes the environment variables read by every command.
const envPrefix = "CHUNKUP_"

func newRootCmd(envRepo env.Repository, logger log.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chunkup",
		Short: "Resumable chunked file uploads",
		Long: `chunkup splits files into chunks and uploads them to a resumable.js compatible
endpoint or to S3 multipart uploads. Failed chunks are retried, and uploads
interrupted in an earlier run continue where they stopped.

Every flag can also be set through a CHUNKUP_ prefixed environment variable,
for example CHUNKUP_CHUNK_SIZE=4MiB.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newUploadCmd(envRepo, logger))
	rootCmd.AddCommand(newJournalCmd(envRepo, logger))

	return rootCmd
}
