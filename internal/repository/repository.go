package repository

import (
	"context"

	"github.com/omdev04/nodepilot/internal/domain"
)

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id int64) (*domain.Project, error)
	GetProjectByName(ctx context.Context, name string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	UpdateProjectStatus(ctx context.Context, id int64, status string) error
	UpdateProjectDeployState(ctx context.Context, update domain.ProjectDeployState) error
	DeleteProject(ctx context.Context, id int64) error
}

// DeploymentRepository stores deployment history. History is append-only;
// there is deliberately no update operation.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	ListDeploymentsByProject(ctx context.Context, projectID int64, limit int) ([]domain.Deployment, error)
	GetDeploymentByID(ctx context.Context, id int64) (*domain.Deployment, error)
}

// DomainRepository reads hostname mappings for routing provisioning.
type DomainRepository interface {
	ListDomainsByProject(ctx context.Context, projectID int64) ([]domain.ProjectDomain, error)
}
