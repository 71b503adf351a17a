package controller

import (
	"github.com/tnqbao/gau-workflow-monitor/config"
	"github.com/tnqbao/gau-workflow-monitor/infra"
	"github.com/tnqbao/gau-workflow-monitor/repository"
)

type Controller struct {
	Config     *config.Config
	Infra      *infra.Infra
	Repository *repository.Repository
}

func NewController(config *config.Config, infra *infra.Infra, repo *repository.Repository) *Controller {
	return &Controller{
		Config:     config,
		Infra:      infra,
		Repository: repo,
	}
}
