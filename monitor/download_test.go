package monitor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tnqbao/gau-workflow-monitor/entity"
)

func TestArtifactDownloaderCopiesHandoffFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemoryBlobStore()
	for key, body := range map[string]string{
		"run/wf-1/report.html": "<html>",
		"run/wf-1/shard-0.vcf": "vcf0",
		"run/wf-1/shard-1.vcf": "vcf1",
	} {
		if err := store.Put(ctx, "results", key, bytes.NewBufferString(body), int64(len(body)), "text/plain"); err != nil {
			t.Fatal(err)
		}
	}

	dest := filepath.Join(t.TempDir(), "handoff")
	md := buildMetadata(t, map[string]any{
		"id": "wf-1", "status": "Succeeded", "workflowName": "call",
		"inputs": map[string]any{
			"call.onprem_download_path": dest,
			"call.handoff_files":        map[string]any{"report": "summary.html", "vcfs": ""},
		},
		"outputs": map[string]any{
			"call.report": "gs://results/run/wf-1/report.html",
			"call.vcfs":   []any{"gs://results/run/wf-1/shard-0.vcf", "s3://results/run/wf-1/shard-1.vcf"},
		},
	})

	d := NewArtifactDownloader(store, nil)
	event := Event{Job: &entity.Job{ID: "wf-1", Status: entity.JobStatusSucceeded}, Metadata: md}
	if err := d.OnJobStatusChanged(ctx, event); err != nil {
		t.Fatalf("OnJobStatusChanged: %v", err)
	}

	for name, want := range map[string]string{
		"summary.html": "<html>",
		"shard-0.vcf":  "vcf0",
		"shard-1.vcf":  "vcf1",
	} {
		got, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestArtifactDownloaderIgnoresOtherJobs(t *testing.T) {
	t.Parallel()

	d := NewArtifactDownloader(newMemoryBlobStore(), nil)
	withInputs := buildMetadata(t, map[string]any{
		"id": "wf-2", "status": "Failed",
		"inputs": map[string]any{"onprem_download_path": "/nowhere", "handoff_files": map[string]any{"x": "y"}},
	})
	withoutInputs := buildMetadata(t, map[string]any{"id": "wf-3", "status": "Succeeded"})

	events := []Event{
		{Job: &entity.Job{ID: "wf-2", Status: entity.JobStatusFailed}, Metadata: withInputs},
		{Job: &entity.Job{ID: "wf-3", Status: entity.JobStatusSucceeded}, Metadata: withoutInputs},
	}
	for _, e := range events {
		if err := d.OnJobStatusChanged(context.Background(), e); err != nil {
			t.Fatalf("OnJobStatusChanged(%s): %v", e.Job.ID, err)
		}
	}
}

func TestArtifactDownloaderReportsMissingOutputs(t *testing.T) {
	t.Parallel()

	md := buildMetadata(t, map[string]any{
		"id": "wf-4", "status": "Succeeded",
		"inputs": map[string]any{
			"onprem_download_path": t.TempDir(),
			"handoff_files":        map[string]any{"missing": "", "gone": ""},
		},
		"outputs": map[string]any{"gone": "gs://results/never-written"},
	})

	d := NewArtifactDownloader(newMemoryBlobStore(), nil)
	err := d.OnJobStatusChanged(context.Background(), Event{Job: &entity.Job{ID: "wf-4", Status: entity.JobStatusSucceeded}, Metadata: md})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "output missing not found") || !strings.Contains(err.Error(), "never-written") {
		t.Fatalf("err = %v", err)
	}
}
