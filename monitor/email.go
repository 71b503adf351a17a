package monitor

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/tnqbao/gau-workflow-monitor/config"
	"github.com/tnqbao/gau-workflow-monitor/entity"
	"github.com/tnqbao/gau-workflow-monitor/infra"
	"github.com/tnqbao/gau-workflow-monitor/infra/produce"
)

// Notifier delivers an email message to one recipient.
type Notifier interface {
	Send(ctx context.Context, recipient string, message produce.EmailMessage) error
}

// EmailNotifier mails the job owner a summary when a job reaches a terminal status.
type EmailNotifier struct {
	notifier Notifier
	logs     infra.LogReader
	cfg      *config.MonitorConfig
	runState entity.StatusSet
	logger   *infra.LoggerClient
}

func NewEmailNotifier(notifier Notifier, logs infra.LogReader, cfg *config.MonitorConfig, logger *infra.LoggerClient) *EmailNotifier {
	if cfg == nil {
		cfg = config.DefaultMonitorConfig()
	}
	if logger == nil {
		logger = infra.NewDiscardLogger()
	}
	return &EmailNotifier{
		notifier: notifier,
		logs:     logs,
		cfg:      cfg,
		runState: entity.NewStatusSet(cfg.RunStates...),
		logger:   logger,
	}
}

func (n *EmailNotifier) Name() string {
	return "email"
}

func (n *EmailNotifier) OnJobStatusChanged(ctx context.Context, event Event) error {
	job := event.Job
	if job == nil || n.runState.Contains(job.Status) || job.Owner == "" {
		return nil
	}

	md := event.Metadata
	if md == nil {
		md = &entity.Metadata{ID: job.ID, Status: job.Status, WorkflowName: job.Name}
	}

	message := produce.EmailMessage{
		Type:          "notification",
		Sender:        n.cfg.Email.Sender,
		RecipientName: job.Owner,
		Subject:       n.subject(job, md),
		Content:       n.Summary(md, event.Host),
		ContentType:   "text/html",
		ActionUrl:     n.timingURL(event.Host, md.ID),
		Attachments:   n.attachments(ctx, job, md, event.Attachments),
	}

	recipient := job.Owner + "@" + n.cfg.Email.Domain
	n.logger.InfoWithContextf(ctx, "[Email] Notifying %s about workflow %s (%s)", recipient, job.ID, job.Status)

	return n.notifier.Send(ctx, recipient, message)
}

func (n *EmailNotifier) subject(job *entity.Job, md *entity.Metadata) string {
	name := md.WorkflowName
	if name == "" {
		name = job.Name
	}
	if name == "" {
		return fmt.Sprintf("Workflow %s %s", job.ID, job.Status)
	}
	return fmt.Sprintf("%s %s: %s", name, job.Status, job.ID)
}

// Summary renders the HTML body of the notification.
func (n *EmailNotifier) Summary(md *entity.Metadata, host string) string {
	var b strings.Builder

	if md.WorkflowName != "" {
		fmt.Fprintf(&b, "<b>Workflow Name:</b> %s", html.EscapeString(md.WorkflowName))
	}
	fmt.Fprintf(&b, "<br><b>Workflow ID:</b> %s", html.EscapeString(md.ID))
	fmt.Fprintf(&b, "<br><b>Status:</b> %s", html.EscapeString(string(md.Status)))
	if md.Start != nil {
		fmt.Fprintf(&b, "<br><b>Started:</b> %s", md.Start.Format(time.RFC3339))
	}
	if md.End != nil {
		fmt.Fprintf(&b, "<br><b>Ended:</b> %s", md.End.Format(time.RFC3339))
	}
	if md.Start != nil && md.End != nil {
		b.WriteString("<br><b>Duration:</b> " + formatDuration(md.Duration()))
	}
	if md.Status == entity.JobStatusFailed {
		failures := md.FailureMessages()
		if len(failures) == 0 {
			failures = []string{"No failure messages were reported."}
		}
		b.WriteString("<br><b>Failures:</b>")
		for _, msg := range failures {
			b.WriteString("<br>" + strings.ReplaceAll(html.EscapeString(msg), "\n", "<br>"))
		}
	}
	if md.WorkflowRoot != "" {
		root := html.EscapeString(md.WorkflowRoot)
		if link := n.consoleURL(md.WorkflowRoot, host); link != "" {
			fmt.Fprintf(&b, `<br><b>workflowRoot:</b> <a href="%s">%s</a>`, html.EscapeString(link), root)
		} else {
			fmt.Fprintf(&b, "<br><b>workflowRoot:</b> %s", root)
		}
	}
	fmt.Fprintf(&b, "<br><b>Timing graph:</b> %s", html.EscapeString(n.timingURL(host, md.ID)))

	return b.String()
}

// consoleURL links a gs:// workflow root to the cloud storage browser for cloud hosts.
func (n *EmailNotifier) consoleURL(root, host string) string {
	if !n.cfg.IsCloudHost(host) {
		return ""
	}
	bucket, key, ok := infra.ParseObjectURL(root)
	if !ok || !strings.HasPrefix(root, "gs://") {
		return ""
	}
	return fmt.Sprintf("https://console.cloud.google.com/storage/browser/%s/%s", bucket, strings.TrimSuffix(key, "/"))
}

func (n *EmailNotifier) timingURL(host, id string) string {
	port := n.cfg.LocalPort
	if n.cfg.IsCloudHost(host) {
		port = n.cfg.CloudPort
	}
	return fmt.Sprintf("http://%s:%d/api/workflows/v1/%s/timing", host, port, id)
}

func (n *EmailNotifier) attachments(ctx context.Context, job *entity.Job, md *entity.Metadata, paths []string) []produce.EmailAttachment {
	var out []produce.EmailAttachment

	if len(paths) > 0 {
		for _, p := range paths {
			excerpt := infra.ReadLogExcerpt(ctx, n.logs, infra.ObjectBaseName(p), p)
			out = append(out, textAttachment(excerpt.Name, excerpt.Content))
		}
		return out
	}

	for _, call := range md.FailedCalls() {
		name := callLogName(call)
		stdout := infra.ReadLogExcerpt(ctx, n.logs, name+".stdout", call.Stdout)
		stderr := infra.ReadLogExcerpt(ctx, n.logs, name+".stderr", call.Stderr)
		out = append(out, textAttachment(stdout.Name, stdout.Content), textAttachment(stderr.Name, stderr.Content))
	}

	if len(md.Raw) > 0 {
		out = append(out, produce.EmailAttachment{
			Name:        job.ID + ".metadata",
			ContentType: "application/json",
			Content:     md.Raw,
		})
	}
	return out
}

func textAttachment(name, content string) produce.EmailAttachment {
	return produce.EmailAttachment{Name: name, ContentType: "text/plain", Content: []byte(content)}
}

func callLogName(call entity.FailedCall) string {
	return fmt.Sprintf("%s.shard-%d.attempt-%d", call.Name, call.ShardIndex, call.Attempt)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%d hours, %d minutes, %d seconds", hours, minutes, seconds)
}
