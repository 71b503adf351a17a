package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/tnqbao/gau-workflow-monitor/config"
	"github.com/tnqbao/gau-workflow-monitor/infra"
)

type SubscriberDeps struct {
	Notifier   Notifier
	Blob       infra.BlobStore
	Logs       infra.LogReader
	HTTPClient *http.Client
	Logger     *infra.LoggerClient
}

// NewSubscribers registers the enabled subscribers in their fixed order:
// email, download, system test.
func NewSubscribers(cfg *config.MonitorConfig, deps SubscriberDeps) []Subscriber {
	if cfg == nil {
		cfg = config.DefaultMonitorConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = infra.NewDiscardLogger()
	}

	var subscribers []Subscriber

	if cfg.Email.Enabled {
		if deps.Notifier != nil {
			subscribers = append(subscribers, NewEmailNotifier(deps.Notifier, deps.Logs, cfg, logger))
		} else {
			logger.WarningWithContextf(context.Background(), "[Subscribers] Email enabled but no notifier is available; skipping")
		}
	}

	if cfg.Download.Enabled {
		subscribers = append(subscribers, NewArtifactDownloader(deps.Blob, logger))
	}

	if cfg.SystemTest.Enabled {
		client := deps.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: time.Duration(cfg.SystemTest.TimeoutSeconds) * time.Second}
		}
		subscribers = append(subscribers, NewSystemTestTrigger(client, cfg.RunStates, cfg.SystemTest.SigningSecret, logger))
	}

	return subscribers
}
