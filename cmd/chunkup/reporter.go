package main

import (
	"errors"

	"github.com/bitrise-io/go-resumable/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// reporter prints file events. Session wide events are logged by the session itself.
// It runs on the event goroutine only.
type reporter struct {
	logger log.Logger
	// last logged progress step per file, in tenths
	steps map[string]int
}

func newReporter(logger log.Logger) *reporter {
	return &reporter{logger: logger, steps: map[string]int{}}
}

func (r *reporter) handle(e upload.Event) {
	f := e.File
	switch e.Type {
	case upload.EventFileAdded:
		r.logger.Printf("Added %s (%s, %d chunks)", f.RelativePath, units.HumanSize(float64(f.Size)), f.TotalChunks)
	case upload.EventFileProgress:
		r.logger.Debugf("%s: chunk %d uploaded", f.RelativePath, e.Chunk)
		if step := int(f.Progress * 10); step > r.steps[f.ID] {
			r.steps[f.ID] = step
			r.logger.Printf("%s: %d%% (%d/%d chunks)", f.RelativePath, step*10, f.UploadedChunks, f.TotalChunks)
		}
	case upload.EventFileSuccess:
		delete(r.steps, f.ID)
		if f.ServerFileName != "" && f.ServerFileName != f.Name {
			r.logger.Donef("Uploaded %s as %s", f.RelativePath, f.ServerFileName)
		} else {
			r.logger.Donef("Uploaded %s", f.RelativePath)
		}
	case upload.EventFileError:
		delete(r.steps, f.ID)
		var admissionErr *upload.AdmissionError
		if errors.As(e.Err, &admissionErr) {
			// already logged by the session
			return
		}
		r.logger.Errorf("Failed to upload %s: %s", f.RelativePath, e.Err)
	case upload.EventFilePaused:
		r.logger.Infof("Paused %s", f.RelativePath)
	case upload.EventFileResumed:
		r.logger.Infof("Resumed %s", f.RelativePath)
	case upload.EventUploadCancelled:
		if f.ID != "" {
			r.logger.Warnf("Cancelled %s", f.RelativePath)
		}
	}
}
