package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tnqbao/gau-workflow-monitor/entity"
	"github.com/tnqbao/gau-workflow-monitor/http/controller/dto"
	"github.com/tnqbao/gau-workflow-monitor/infra"
	"github.com/tnqbao/gau-workflow-monitor/infra/produce"
	"github.com/tnqbao/gau-workflow-monitor/repository"
	"github.com/tnqbao/gau-workflow-monitor/utils"
)

const maxUploadBytes = 32 << 20

func (ctrl *Controller) SubmitWorkflow(c *gin.Context) {
	ctx := c.Request.Context()
	username := c.GetString("username")

	var req dto.SubmitWorkflowRequestDTO
	if err := c.ShouldBind(&req); err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Workflow] Failed to bind form: %v", err)
		utils.JSON400(c, "Invalid request payload")
		return
	}

	workflowFile, err := c.FormFile("workflow")
	if err != nil {
		utils.JSON400(c, "workflow file is required")
		return
	}
	source, err := readFormFile(workflowFile)
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Workflow] Failed to read workflow file: %v", err)
		utils.JSON400(c, err.Error())
		return
	}

	submit := entity.SubmitRequest{
		WorkflowSource:   source,
		WorkflowFileName: workflowFile.Filename,
	}

	for field, dest := range map[string]*[]byte{"inputs": &submit.Inputs, "dependencies": &submit.Dependencies} {
		fh, err := c.FormFile(field)
		if err != nil {
			continue
		}
		if *dest, err = readFormFile(fh); err != nil {
			utils.JSON400(c, err.Error())
			return
		}
	}
	if len(submit.Inputs) > 0 && !json.Valid(submit.Inputs) {
		utils.JSON400(c, "inputs must be a JSON document")
		return
	}

	if req.Options != "" {
		if err := json.Unmarshal([]byte(req.Options), &submit.Options); err != nil {
			utils.JSON400(c, "options must be a JSON object")
			return
		}
	}
	labels := entity.Labels{}
	if req.Labels != "" {
		if err := json.Unmarshal([]byte(req.Labels), &labels); err != nil {
			utils.JSON400(c, "labels must be a JSON object of strings")
			return
		}
	}
	// the caller always owns what they submit
	labels[entity.LabelUsername] = username
	submit.Labels = labels

	handle, err := ctrl.Infra.Cromwell.Submit(ctx, submit)
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Workflow] Submission for %s failed: %v", username, err)
		utils.JSON502(c, "Failed to submit workflow")
		return
	}

	ctrl.recordSubmission(c, handle, submit)

	ctrl.Infra.Logger.InfoWithContextf(ctx, "[Workflow] %s submitted %s", username, handle.ID)
	utils.JSON200(c, gin.H{
		"message":  "Workflow submitted successfully",
		"workflow": handle,
	})
}

// recordSubmission stores the new job so the reconciler treats its terminal state as news.
func (ctrl *Controller) recordSubmission(c *gin.Context, handle *entity.JobHandle, submit entity.SubmitRequest) {
	now := time.Now().UTC()
	job := &entity.Job{
		ID:     handle.ID,
		Name:   submit.WorkflowFileName,
		Status: handle.Status,
		Owner:  submit.Labels.Owner(),
		Start:  &now,
	}
	if job.Status == "" {
		job.Status = entity.JobStatusSubmitted
	}
	if err := ctrl.Repository.JobRepo.Upsert(c.Request.Context(), job); err != nil {
		ctrl.Infra.Logger.WarningWithContextf(c.Request.Context(), "[Workflow] Failed to record submission %s: %v", handle.ID, err)
	}
}

func (ctrl *Controller) ListWorkflows(c *gin.Context) {
	ctx := c.Request.Context()

	var query dto.ListWorkflowsQueryDTO
	if err := c.ShouldBindQuery(&query); err != nil {
		utils.JSON400(c, "Invalid query parameters")
		return
	}

	owner := query.Owner
	if owner == "" {
		owner = c.GetString("username")
	}
	days := query.Days
	if days == 0 {
		days = ctrl.Config.EnvConfig.Monitor.LookbackDays
	}
	since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	filter := repository.JobFilter{
		Owner: owner,
		Since: &since,
		Limit: query.Limit,
	}
	for _, s := range query.Status {
		filter.Statuses = append(filter.Statuses, entity.JobStatus(s))
	}

	jobs, err := ctrl.Repository.JobRepo.Find(ctx, filter)
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Workflow] Failed to list workflows: %v", err)
		utils.JSON500(c, "Failed to list workflows")
		return
	}

	utils.JSON200(c, dto.ListWorkflowsResponseDTO{Workflows: jobs, Total: len(jobs)})
}

func (ctrl *Controller) GetWorkflowStatus(c *gin.Context) {
	id := c.Param("id")
	status, err := ctrl.Infra.Cromwell.Status(c.Request.Context(), id)
	if err != nil {
		ctrl.remoteError(c, "status", id, err)
		return
	}
	utils.JSON200(c, dto.WorkflowStatusResponseDTO{ID: id, Status: status})
}

func (ctrl *Controller) GetWorkflowMetadata(c *gin.Context) {
	id := c.Param("id")
	cacheFor := time.Duration(ctrl.Config.EnvConfig.Monitor.MetadataCacheSeconds) * time.Second
	md, err := ctrl.Infra.Cromwell.Metadata(c.Request.Context(), id, cacheFor)
	if err != nil {
		ctrl.remoteError(c, "metadata", id, err)
		return
	}
	c.Data(http.StatusOK, "application/json", md.Raw)
}

func (ctrl *Controller) GetWorkflowLogs(c *gin.Context) {
	id := c.Param("id")
	logs, err := ctrl.Infra.Cromwell.Logs(c.Request.Context(), id)
	if err != nil {
		ctrl.remoteError(c, "logs", id, err)
		return
	}
	utils.JSON200(c, logs)
}

func (ctrl *Controller) GetWorkflowOutputs(c *gin.Context) {
	id := c.Param("id")
	outputs, err := ctrl.Infra.Cromwell.Outputs(c.Request.Context(), id)
	if err != nil {
		ctrl.remoteError(c, "outputs", id, err)
		return
	}
	utils.JSON200(c, outputs)
}

func (ctrl *Controller) ExplainWorkflow(c *gin.Context) {
	id := c.Param("id")
	explanation, err := ctrl.Infra.Cromwell.Explain(c.Request.Context(), id, c.Query("inputs") == "true")
	if err != nil {
		ctrl.remoteError(c, "explain", id, err)
		return
	}
	utils.JSON200(c, explanation)
}

func (ctrl *Controller) AbortWorkflow(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	handle, err := ctrl.Infra.Cromwell.Abort(ctx, id)
	if err != nil {
		ctrl.remoteError(c, "abort", id, err)
		return
	}

	ctrl.Infra.Logger.InfoWithContextf(ctx, "[Workflow] %s aborted %s", c.GetString("username"), id)
	utils.JSON200(c, gin.H{
		"message":  "Workflow abort requested",
		"workflow": handle,
	})
}

func (ctrl *Controller) RestartWorkflow(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	username := c.GetString("username")

	var req dto.RestartWorkflowRequestDTO
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.JSON400(c, "Invalid request payload")
			return
		}
	}

	handle, err := ctrl.Infra.Cromwell.Restart(ctx, id, req.DisableCache)
	if err != nil {
		ctrl.remoteError(c, "restart", id, err)
		return
	}

	// the service account submitted the rerun; hand ownership to the caller
	if username != "" && username != ctrl.Infra.Cromwell.User() {
		if err := ctrl.Infra.Cromwell.Label(ctx, handle.ID, entity.Labels{entity.LabelUsername: username}); err != nil {
			ctrl.Infra.Logger.WarningWithContextf(ctx, "[Workflow] Restarted %s as %s but could not relabel it: %v", id, handle.ID, err)
		}
	}

	ctrl.Infra.Logger.InfoWithContextf(ctx, "[Workflow] %s restarted %s as %s", username, id, handle.ID)
	utils.JSON200(c, gin.H{
		"message":        "Workflow restarted",
		"restarted_from": id,
		"workflow":       handle,
	})
}

func (ctrl *Controller) UpdateWorkflowLabels(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req dto.UpdateLabelsRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.JSON400(c, "Invalid request payload")
		return
	}
	if _, ok := req.Labels[entity.LabelWorkflowID]; ok {
		utils.JSON400(c, fmt.Sprintf("label %s is managed by the server", entity.LabelWorkflowID))
		return
	}

	if err := ctrl.Infra.Cromwell.Label(ctx, id, entity.Labels(req.Labels)); err != nil {
		ctrl.remoteError(c, "label", id, err)
		return
	}

	utils.JSON200(c, gin.H{
		"message": "Labels updated",
		"id":      id,
		"labels":  req.Labels,
	})
}

// WatchWorkflow queues a request for the consumer to follow one job until it finishes.
func (ctrl *Controller) WatchWorkflow(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req dto.WatchWorkflowRequestDTO
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.JSON400(c, "Invalid request payload")
			return
		}
	}

	if ctrl.Infra.Produce == nil {
		utils.JSON503(c, "Watch queue is unavailable")
		return
	}

	if _, err := ctrl.Infra.Cromwell.Status(ctx, id); err != nil {
		ctrl.remoteError(c, "watch", id, err)
		return
	}

	err := ctrl.Infra.Produce.WatchService.PublishWatch(ctx, produce.WatchMessage{
		WorkflowID:      id,
		User:            c.GetString("username"),
		IntervalSeconds: req.IntervalSeconds,
	})
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Workflow] Failed to publish watch request for %s: %v", id, err)
		utils.JSON500(c, "Failed to queue watch request")
		return
	}

	utils.JSON202(c, gin.H{
		"message": "Watch request queued",
		"id":      id,
	})
}

func (ctrl *Controller) ListBackends(c *gin.Context) {
	backends, err := ctrl.Infra.Cromwell.Backends(c.Request.Context())
	if err != nil {
		ctrl.remoteError(c, "backends", "", err)
		return
	}
	utils.JSON200(c, backends)
}

func (ctrl *Controller) remoteError(c *gin.Context, action, id string, err error) {
	ctx := c.Request.Context()
	status := infra.StatusCodeOf(err)

	if errors.Is(err, infra.ErrNotFound) {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[Workflow] %s %s: %v", action, id, err)
		utils.JSONStatus(c, status, fmt.Sprintf("Workflow %s not found", id))
		return
	}

	ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Workflow] %s %s failed: %v", action, id, err)
	utils.JSONStatus(c, status, fmt.Sprintf("Workflow %s request failed", action))
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > maxUploadBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", fh.Filename, maxUploadBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
	}
	return data, nil
}
