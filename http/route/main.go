package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/tnqbao/gau-workflow-monitor/http/controller"
	middlewares "github.com/tnqbao/gau-workflow-monitor/http/middleware"
)

func SetupRouter(ctrl *controller.Controller) *gin.Engine {
	r := gin.Default()
	middles, err := middlewares.NewMiddlewares(ctrl)
	if err != nil {
		panic(err)
	}
	r.Use(middles.CORSMiddleware)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiRoutes := r.Group("/api/v1")
	{
		apiRoutes.Use(middles.AuthMiddleware)

		apiRoutes.GET("/backends", ctrl.ListBackends)

		workflowRoutes := apiRoutes.Group("/workflows")
		{
			workflowRoutes.POST("", ctrl.SubmitWorkflow)
			workflowRoutes.GET("", ctrl.ListWorkflows)
			workflowRoutes.GET("/:id/status", ctrl.GetWorkflowStatus)
			workflowRoutes.GET("/:id/metadata", ctrl.GetWorkflowMetadata)
			workflowRoutes.GET("/:id/logs", ctrl.GetWorkflowLogs)
			workflowRoutes.GET("/:id/outputs", ctrl.GetWorkflowOutputs)
			workflowRoutes.GET("/:id/explain", ctrl.ExplainWorkflow)
			workflowRoutes.POST("/:id/abort", ctrl.AbortWorkflow)
			workflowRoutes.POST("/:id/restart", ctrl.RestartWorkflow)
			workflowRoutes.PATCH("/:id/labels", ctrl.UpdateWorkflowLabels)
			workflowRoutes.POST("/:id/watch", ctrl.WatchWorkflow)
		}
	}
	return r
}
