package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/tnqbao/gau-workflow-monitor/entity"
	"github.com/tnqbao/gau-workflow-monitor/infra"
)

const (
	inputHandoffFiles   = "handoff_files"
	inputOnPremDownload = "onprem_download_path"
)

// ArtifactDownloader copies selected outputs of a succeeded job to an on-premises path.
// The job's inputs name the destination directory and map output keys to local file names.
type ArtifactDownloader struct {
	store  infra.BlobStore
	logger *infra.LoggerClient
}

func NewArtifactDownloader(store infra.BlobStore, logger *infra.LoggerClient) *ArtifactDownloader {
	if logger == nil {
		logger = infra.NewDiscardLogger()
	}
	return &ArtifactDownloader{store: store, logger: logger}
}

func (d *ArtifactDownloader) Name() string {
	return "download"
}

func (d *ArtifactDownloader) OnJobStatusChanged(ctx context.Context, event Event) error {
	if event.Status() != entity.JobStatusSucceeded || event.Metadata == nil {
		return nil
	}
	md := event.Metadata

	rawDir, ok := md.Input(inputOnPremDownload)
	if !ok {
		return nil
	}
	rawHandoff, ok := md.Input(inputHandoffFiles)
	if !ok {
		return nil
	}

	destDir, ok := rawDir.(string)
	if !ok || destDir == "" {
		return fmt.Errorf("input %s must be a non-empty string", inputOnPremDownload)
	}
	handoff, ok := rawHandoff.(map[string]any)
	if !ok {
		return fmt.Errorf("input %s must map output names to file names", inputHandoffFiles)
	}

	keys := make([]string, 0, len(handoff))
	for k := range handoff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		localName, _ := handoff[key].(string)

		output, ok := md.Output(key)
		if !ok {
			errs = append(errs, fmt.Errorf("output %s not found in workflow %s", key, md.ID))
			continue
		}

		for _, remote := range outputLocations(output) {
			name := localName
			if name == "" {
				name = infra.ObjectBaseName(remote)
			}
			dest := filepath.Join(destDir, name)

			n, err := infra.CopyObjectToFile(ctx, d.store, remote, dest)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			d.logger.InfoWithContextf(ctx, "[Download] Copied %s to %s (%d bytes)", remote, dest, n)
		}
	}

	return errors.Join(errs...)
}

// outputLocations flattens a string or list-of-strings output value.
func outputLocations(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
