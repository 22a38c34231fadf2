package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/repository"
)

// Migrations holds the embedded goose migration files.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Repository implements persistence interfaces on SQLite.
type Repository struct {
	db *sql.DB
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.DomainRepository     = (*Repository)(nil)
)

// Open initializes the SQLite database at path with the pragmas the daemon
// depends on (foreign keys for cascade deletes, WAL for concurrent readers).
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	return db, nil
}

// New constructs a Repository.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateProject inserts a project and backfills its assigned id.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (name, display_name, start_command, install_command, build_command, port,
			env_vars, deploy_method, git_url, git_branch, webhook_secret, last_commit, lockfile_hash,
			status, process_name, registered_command, last_deployed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		project.Name,
		project.DisplayName,
		project.StartCommand,
		project.InstallCommand,
		project.BuildCommand,
		project.Port,
		project.EnvVars,
		project.DeployMethod,
		project.GitURL,
		project.GitBranch,
		project.WebhookSecret,
		project.LastCommit,
		project.LockfileHash,
		project.Status,
		project.ProcessName,
		project.RegisteredCmd,
		project.LastDeployedAt,
		project.CreatedAt,
		project.UpdatedAt,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	project.ID = id
	return nil
}

const projectColumns = `id, name, display_name, start_command, install_command, build_command, port,
	env_vars, deploy_method, git_url, git_branch, webhook_secret, last_commit, lockfile_hash,
	status, process_name, registered_command, last_deployed_at, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*domain.Project, error) {
	var p domain.Project
	var lastDeployed sql.NullTime
	err := row.Scan(
		&p.ID, &p.Name, &p.DisplayName, &p.StartCommand, &p.InstallCommand, &p.BuildCommand, &p.Port,
		&p.EnvVars, &p.DeployMethod, &p.GitURL, &p.GitBranch, &p.WebhookSecret, &p.LastCommit, &p.LockfileHash,
		&p.Status, &p.ProcessName, &p.RegisteredCmd, &lastDeployed, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if lastDeployed.Valid {
		t := lastDeployed.Time
		p.LastDeployedAt = &t
	}
	return &p, nil
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, id int64) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = ?`
	return scanProject(r.db.QueryRowContext(ctx, query, id))
}

// GetProjectByName fetches a project by its unique sanitized name.
func (r *Repository) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE name = ?`
	return scanProject(r.db.QueryRowContext(ctx, query, name))
}

// ListProjects returns all projects ordered by name.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects ORDER BY name`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// UpdateProjectStatus refreshes the cached supervisor status.
func (r *Repository) UpdateProjectStatus(ctx context.Context, id int64, status string) error {
	const query = `UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateProjectDeployState commits the pipeline's post-attempt project fields.
func (r *Repository) UpdateProjectDeployState(ctx context.Context, update domain.ProjectDeployState) error {
	const query = `UPDATE projects
		SET status = ?, last_commit = ?, lockfile_hash = ?, registered_command = ?, last_deployed_at = ?, updated_at = ?
		WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query,
		update.Status, update.LastCommit, update.LockfileHash, update.RegisteredCmd, update.LastDeployedAt, time.Now().UTC(), update.ProjectID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteProject removes a project; deployments and domains cascade.
func (r *Repository) DeleteProject(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CreateDeployment appends a deployment history record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (project_id, version, deploy_method, status, notes, deployed_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		deployment.ProjectID,
		deployment.Version,
		deployment.DeployMethod,
		deployment.Status,
		deployment.Notes,
		deployment.DeployedAt,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	deployment.ID = id
	return nil
}

// ListDeploymentsByProject fetches recent deployments for a project, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID int64, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, project_id, version, deploy_method, status, notes, deployed_at
		FROM deployments WHERE project_id = ? ORDER BY deployed_at DESC, id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Version, &d.DeployMethod, &d.Status, &d.Notes, &d.DeployedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, id int64) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, version, deploy_method, status, notes, deployed_at
		FROM deployments WHERE id = ?`
	var d domain.Deployment
	err := r.db.QueryRowContext(ctx, query, id).Scan(&d.ID, &d.ProjectID, &d.Version, &d.DeployMethod, &d.Status, &d.Notes, &d.DeployedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDomainsByProject returns hostnames mapped to a project.
func (r *Repository) ListDomainsByProject(ctx context.Context, projectID int64) ([]domain.ProjectDomain, error) {
	const query = `SELECT id, project_id, hostname, created_at FROM domains WHERE project_id = ? ORDER BY hostname`
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []domain.ProjectDomain
	for rows.Next() {
		var d domain.ProjectDomain
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Hostname, &d.CreatedAt); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
