package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/kestrel/pkg/models"
	"github.com/psantana5/kestrel/pkg/resolver"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// forUpdate is appended to row reads inside status transactions
	forUpdate         string
	isUniqueViolation func(error) bool
	placeholders      func(query string) string
}

// SQLStore implements Store over database/sql. SQLite and PostgreSQL share
// it and differ only in their dialect and schema.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

const (
	kindCluster     = "cluster"
	kindCommand     = "command"
	kindApplication = "application"
)

func (s *SQLStore) q(query string) string {
	return s.dialect.placeholders(query)
}

// questionMarks leaves '?' placeholders untouched.
func questionMarks(query string) string { return query }

// dollarNumbers rewrites '?' placeholders to $1, $2, ...
func dollarNumbers(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Resource operations

func (s *SQLStore) saveResource(ctx context.Context, kind string, r *models.Resource, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM resources WHERE id = ? AND kind = ?`), r.ID, kind); err != nil {
		return fmt.Errorf("replace %s %s: %w", kind, r.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO resources (id, kind, name, version, status, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), r.ID, kind, r.Name, r.Version, r.Status, string(data), s.now())
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", kind, r.ID, err)
	}
	return nil
}

// SaveCluster adds or replaces a cluster
func (s *SQLStore) SaveCluster(ctx context.Context, c *models.Cluster) error {
	return s.saveResource(ctx, kindCluster, &c.Resource, c)
}

// SaveCommand adds or replaces a command
func (s *SQLStore) SaveCommand(ctx context.Context, c *models.Command) error {
	return s.saveResource(ctx, kindCommand, &c.Resource, c)
}

// SaveApplication adds or replaces an application
func (s *SQLStore) SaveApplication(ctx context.Context, a *models.Application) error {
	return s.saveResource(ctx, kindApplication, &a.Resource, a)
}

func (s *SQLStore) getResource(ctx context.Context, kind, id string, into interface{}) error {
	var body string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT body FROM resources WHERE id = ? AND kind = ?`), id, kind).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return resourceNotFound("store.get_"+kind, kind, id)
	}
	if err != nil {
		return fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	return unmarshalJSON([]byte(body), into)
}

// GetCluster retrieves a cluster by ID
func (s *SQLStore) GetCluster(ctx context.Context, id string) (*models.Cluster, error) {
	var c models.Cluster
	if err := s.getResource(ctx, kindCluster, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCommand retrieves a command by ID
func (s *SQLStore) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	var c models.Command
	if err := s.getResource(ctx, kindCommand, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetApplication retrieves an application by ID
func (s *SQLStore) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	var a models.Application
	if err := s.getResource(ctx, kindApplication, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ExistsByID reports whether any resource has the id
func (s *SQLStore) ExistsByID(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM resources WHERE id = ?`), id).Scan(&n); err != nil {
		return false, fmt.Errorf("exists %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLStore) listResources(ctx context.Context, kind string, each func(body []byte) error) error {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT body FROM resources WHERE kind = ? ORDER BY id`), kind)
	if err != nil {
		return fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("scan %s: %w", kind, err)
		}
		if err := each([]byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// FindClusterAndCommandMatches loads the catalog and evaluates both criteria
// jointly.
func (s *SQLStore) FindClusterAndCommandMatches(ctx context.Context, clusterCriterion, commandCriterion models.Criterion) ([]models.ClusterCommandMatch, error) {
	var clusters []*models.Cluster
	err := s.listResources(ctx, kindCluster, func(body []byte) error {
		var c models.Cluster
		if err := unmarshalJSON(body, &c); err != nil {
			return err
		}
		clusters = append(clusters, &c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var commands []*models.Command
	err = s.listResources(ctx, kindCommand, func(body []byte) error {
		var c models.Command
		if err := unmarshalJSON(body, &c); err != nil {
			return err
		}
		commands = append(commands, &c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resolver.MatchPairs(clusters, commands, clusterCriterion, commandCriterion), nil
}

// Job operations

const jobColumns = `id, status, status_message, user_name, name, version, claimed, resolved,
	memory_used, cluster_id, command_id, application_ids, archive_location, hostname,
	process_id, agent_version, exit_code, kill_requested, kill_reason, claim_token_hash,
	created_at, started_at, finished_at, updated_at`

// CreateJob adds a new job in RESERVED status
func (s *SQLStore) CreateJob(ctx context.Context, req *models.JobRequest) (*models.Job, error) {
	const op = "store.create_job"

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal job request: %w", err)
	}

	job := newJobRecord(req, s.now())
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO jobs (id, status, status_message, user_name, name, version, claimed, resolved,
			memory_used, application_ids, kill_requested, request, state_transitions, created_at, updated_at)
		VALUES (?, ?, '', ?, ?, ?, ?, ?, 0, '[]', ?, ?, '[]', ?, ?)
	`), job.ID, string(job.Status), job.User, job.Name, job.Version, false, false, false,
		string(reqJSON), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return nil, duplicateJob(op, req.ID)
		}
		return nil, fmt.Errorf("insert job %s: %w", req.ID, err)
	}
	return &job, nil
}

// GetJob retrieves a job by ID
func (s *SQLStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound("store.get_job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// GetJobRequest returns the request a job was created from
func (s *SQLStore) GetJobRequest(ctx context.Context, id string) (*models.JobRequest, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT request FROM jobs WHERE id = ?`), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound("store.get_job_request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job request %s: %w", id, err)
	}
	var req models.JobRequest
	if err := unmarshalJSON([]byte(body), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// UpdateJobWithRuntimeEnvironment records what the job was resolved to
func (s *SQLStore) UpdateJobWithRuntimeEnvironment(ctx context.Context, jobID, clusterID, commandID string, applicationIDs []string, memory int) error {
	apps, err := json.Marshal(nonNil(applicationIDs))
	if err != nil {
		return fmt.Errorf("marshal application ids: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET cluster_id = ?, command_id = ?, application_ids = ?, memory_used = ?, updated_at = ?
		WHERE id = ?
	`), clusterID, commandID, string(apps), memory, s.now(), jobID)
	if err != nil {
		return fmt.Errorf("update runtime of job %s: %w", jobID, err)
	}
	return s.requireRow(res, "store.update_runtime", jobID)
}

// UpdateJobStatus performs a validated state transition inside a transaction
func (s *SQLStore) UpdateJobStatus(ctx context.Context, jobID string, current, next models.JobStatus, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.updateStatusTx(ctx, tx, jobID, current, next, message); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// updateStatusTx validates and applies a status change inside tx
func (s *SQLStore) updateStatusTx(ctx context.Context, tx *sql.Tx, jobID string, current, next models.JobStatus, message string) error {
	const op = "store.update_job_status"

	var status, transitionsJSON string
	var startedAt, finishedAt sql.NullTime
	err := tx.QueryRowContext(ctx, s.q(`
		SELECT status, state_transitions, started_at, finished_at FROM jobs WHERE id = ?`+s.dialect.forUpdate),
		jobID).Scan(&status, &transitionsJSON, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return jobNotFound(op, jobID)
	}
	if err != nil {
		return fmt.Errorf("get job state: %w", err)
	}

	if models.JobStatus(status) != current {
		return statusMismatch(op, jobID, current, models.JobStatus(status))
	}
	if err := models.ValidateTransition(current, next); err != nil {
		return err
	}

	var transitions []models.StateTransition
	if transitionsJSON != "" && transitionsJSON != "null" {
		if err := unmarshalJSON([]byte(transitionsJSON), &transitions); err != nil {
			log.Printf("[store] Warning: failed to parse transitions of job %s: %v", jobID, err)
			transitions = nil
		}
	}

	now := s.now()
	transitions = append(transitions, models.StateTransition{From: current, To: next, Timestamp: now, Reason: message})
	newTransitionsJSON, err := json.Marshal(transitions)
	if err != nil {
		return fmt.Errorf("marshal transitions: %w", err)
	}

	job := models.Job{}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	applyStatus(&job, next, message, now)

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = ?, status_message = ?, state_transitions = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), string(next), message, string(newTransitionsJSON), nullTime(job.StartedAt), nullTime(job.FinishedAt), now,
		jobID, string(current))
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return statusMismatch(op, jobID, current, "unknown")
	}
	return nil
}

// UpdateJobExecution records process details reported by the agent
func (s *SQLStore) UpdateJobExecution(ctx context.Context, jobID string, processID int, exitCode *int) error {
	var res sql.Result
	var err error
	switch {
	case exitCode != nil && processID > 0:
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE jobs SET process_id = ?, exit_code = ?, updated_at = ? WHERE id = ?`),
			processID, *exitCode, s.now(), jobID)
	case exitCode != nil:
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE jobs SET exit_code = ?, updated_at = ? WHERE id = ?`),
			*exitCode, s.now(), jobID)
	default:
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE jobs SET process_id = ?, updated_at = ? WHERE id = ?`),
			processID, s.now(), jobID)
	}
	if err != nil {
		return fmt.Errorf("update execution of job %s: %w", jobID, err)
	}
	return s.requireRow(res, "store.update_job_execution", jobID)
}

// SaveJobSpecification stores the resolved plan once
func (s *SQLStore) SaveJobSpecification(ctx context.Context, jobID string, spec *models.JobSpecification) error {
	const op = "store.save_job_specification"

	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal job specification: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET specification = ?, resolved = ?, archive_location = ?, updated_at = ?
		WHERE id = ? AND resolved = ?
	`), string(data), true, spec.ArchiveLocation, s.now(), jobID, false)
	if err != nil {
		return fmt.Errorf("save specification of job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Nothing updated: either already resolved (no-op) or missing.
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return nil
}

// GetJobSpecification returns the resolved plan
func (s *SQLStore) GetJobSpecification(ctx context.Context, jobID string) (*models.JobSpecification, error) {
	const op = "store.get_job_specification"

	var body sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT specification FROM jobs WHERE id = ?`), jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(op, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get specification of job %s: %w", jobID, err)
	}
	if !body.Valid || body.String == "" {
		return nil, models.NewError(models.ErrNotFound, op, "job %s is not resolved", jobID)
	}
	var spec models.JobSpecification
	if err := unmarshalJSON([]byte(body.String), &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ClaimJob hands an accepted job to an agent
func (s *SQLStore) ClaimJob(ctx context.Context, jobID string, agent models.AgentMetadata, tokenHash string) error {
	const op = "store.claim_job"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE jobs SET claimed = ?, hostname = ?, agent_version = ?, claim_token_hash = ?, updated_at = ?
		WHERE id = ? AND claimed = ? AND status = ?
	`), true, agent.Hostname, agent.Version, tokenHash, s.now(), jobID, false, string(models.JobStatusAccepted))
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Claimed {
			return models.NewError(models.ErrConflict, op, "job %s is already claimed", jobID)
		}
		return statusMismatch(op, jobID, models.JobStatusAccepted, job.Status)
	}
	if err := s.updateStatusTx(ctx, tx, jobID, models.JobStatusAccepted, models.JobStatusClaimed, "claimed by "+agent.Hostname); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit claim of job %s: %w", jobID, err)
	}
	return nil
}

// RequestKill flags a job for its agent to kill
func (s *SQLStore) RequestKill(ctx context.Context, jobID, reason string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET kill_requested = ?, kill_reason = ?, updated_at = ?
		WHERE id = ? AND kill_requested = ?
	`), true, reason, s.now(), jobID, false)
	if err != nil {
		return fmt.Errorf("request kill of job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := s.GetJob(ctx, jobID)
		return err
	}
	return nil
}

func activeStatusArgs() (string, []interface{}) {
	statuses := models.ActiveStatuses()
	marks := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

// CountActiveJobs counts the user's active jobs
func (s *SQLStore) CountActiveJobs(ctx context.Context, user string) (int, error) {
	marks, args := activeStatusArgs()
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM jobs WHERE user_name = ? AND status IN (`+marks+`)`),
		append([]interface{}{user}, args...)...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs of %s: %w", user, err)
	}
	return n, nil
}

// SumActiveMemory adds up the memory of every active job
func (s *SQLStore) SumActiveMemory(ctx context.Context) (int, error) {
	marks, args := activeStatusArgs()
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT SUM(memory_used) FROM jobs WHERE status IN (`+marks+`)`), args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum active memory: %w", err)
	}
	return int(total.Int64), nil
}

// ListJobsByStatus returns jobs in any of the statuses, oldest first
func (s *SQLStore) ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE status IN (`+
		strings.Join(marks, ", ")+`) ORDER BY created_at, id`), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetJobHistory returns the job's status transitions in order
func (s *SQLStore) GetJobHistory(ctx context.Context, jobID string) ([]models.StateTransition, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT state_transitions FROM jobs WHERE id = ?`), jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound("store.get_job_history", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get history of job %s: %w", jobID, err)
	}
	var transitions []models.StateTransition
	if err := unmarshalJSON([]byte(body), &transitions); err != nil {
		return nil, err
	}
	return transitions, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *SQLStore) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLStore) requireRow(res sql.Result, op, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return jobNotFound(op, jobID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                                          models.Job
		status                                       string
		statusMessage, version, clusterID, commandID sql.NullString
		apps, archive, hostname, agentVersion        sql.NullString
		killReason, tokenHash                        sql.NullString
		processID, exitCode                          sql.NullInt64
		startedAt, finishedAt                        sql.NullTime
	)
	err := row.Scan(&job.ID, &status, &statusMessage, &job.User, &job.Name, &version, &job.Claimed, &job.Resolved,
		&job.MemoryUsed, &clusterID, &commandID, &apps, &archive, &hostname,
		&processID, &agentVersion, &exitCode, &job.KillRequested, &killReason, &tokenHash,
		&job.CreatedAt, &startedAt, &finishedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	job.StatusMessage = statusMessage.String
	job.Version = version.String
	job.ClusterID = clusterID.String
	job.CommandID = commandID.String
	job.ArchiveLocation = archive.String
	job.Hostname = hostname.String
	job.AgentVersion = agentVersion.String
	job.KillReason = killReason.String
	job.ClaimTokenHash = tokenHash.String
	job.ProcessID = int(processID.Int64)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	if apps.Valid && apps.String != "" {
		if err := unmarshalJSON([]byte(apps.String), &job.ApplicationIDs); err != nil {
			return nil, err
		}
		if len(job.ApplicationIDs) == 0 {
			job.ApplicationIDs = nil
		}
	}
	return &job, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func unmarshalJSON(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal stored json: %w", err)
	}
	return nil
}
