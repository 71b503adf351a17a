package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/tnqbao/gau-workflow-monitor/infra"
)

type Repository struct {
	db      *gorm.DB
	JobRepo *JobRepository
}

var repository *Repository

func InitRepository(infra *infra.Infra) *Repository {
	repository = NewRepository(infra.Database.DB)
	return repository
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		db:      db,
		JobRepo: NewJobRepository(db),
	}
}

func GetRepository() *Repository {
	if repository == nil {
		panic("repository not initialized")
	}
	return repository
}

func (r *Repository) WithTransaction(tx *gorm.DB) *Repository {
	return &Repository{
		db:      tx,
		JobRepo: NewJobRepository(tx),
	}
}

// Transaction runs fn against a transactional copy of the repository.
// Any error returned by fn rolls the whole transaction back.
func (r *Repository) Transaction(ctx context.Context, fn func(repo *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(r.WithTransaction(tx))
	})
}
