package main

import (
	"errors"

	"github.com/bitrise-io/go-resumable/journal"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newJournalCmd(envRepo env.Repository, logger log.Logger) *cobra.Command {
	path := envRepo.Get(envPrefix + "JOURNAL")

	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the journal of uploaded chunks",
	}
	journalCmd.PersistentFlags().StringVar(&path, "journal", path, "Journal database")

	open := func() (*journal.Bolt, error) {
		if path == "" {
			return nil, errors.New("journal path is required")
		}
		return journal.Open(path, logger)
	}

	journalCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the files with recorded chunks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			defer closeWithLog(j, "journal", logger)

			ids, err := j.Files()
			if err != nil {
				return err
			}
			for _, id := range ids {
				layout, indexes, err := j.Uploaded(id)
				if err != nil {
					return err
				}
				logger.Printf("%s: %d of %d chunk(s) of %s to %s", id, len(indexes), layout.TotalChunks, units.BytesSize(float64(layout.ChunkSize)), layout.Target)
			}
			return nil
		},
	})

	journalCmd.AddCommand(&cobra.Command{
		Use:   "forget FILE_ID...",
		Short: "Drop the recorded chunks of files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			defer closeWithLog(j, "journal", logger)

			for _, id := range args {
				if err := j.Forget(id); err != nil {
					return err
				}
				logger.Donef("Forgot %s", id)
			}
			return nil
		},
	})

	return journalCmd
}
