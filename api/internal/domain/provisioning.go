package domain

import (
	"log/slog"
	"time"
)

// ProvisioningRequest describes a pipeline to provision.
type ProvisioningRequest struct {
	Repository           string            `json:"repository"`
	CloudProjectID       string            `json:"cloud_project_id"`
	ServiceName          string            `json:"service_name"`
	Region               string            `json:"region"`
	EnvironmentVariables map[string]string `json:"environment_variables,omitempty"`
	Branch               string            `json:"branch,omitempty"`
	Files                map[string]string `json:"files,omitempty"`
}

// StepName enumerates saga steps.
type StepName string

// Saga steps in execution order.
const (
	StepEnableAPI       StepName = "enable_api"
	StepCreateIdentity  StepName = "create_identity"
	StepGrantRoles      StepName = "grant_roles"
	StepSettleIdentity  StepName = "settle_identity"
	StepMintKey         StepName = "mint_key"
	StepPropagateSecret StepName = "propagate_secret"
	StepCommitFiles     StepName = "commit_files"
	StepPersistRecord   StepName = "persist_record"
)

// Outcome is the result class of a step.
type Outcome string

// Step outcomes.
const (
	OutcomeSuccess          Outcome = "success"
	OutcomeToleratedFailure Outcome = "tolerated_failure"
	OutcomeFatalFailure     Outcome = "fatal_failure"
)

// StepResult is one entry of the saga audit trail.
type StepResult struct {
	Step      StepName  `json:"step"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// ServiceIdentity is a cloud service account.
type ServiceIdentity struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	ProjectID string `json:"project_id"`
}

// SecretSpec is a secret in flight. It is never persisted.
type SecretSpec struct {
	Name       string
	Value      string
	Repository string
}

// String redacts the value.
func (s SecretSpec) String() string {
	return s.Repository + ":" + s.Name + "=<redacted>"
}

// LogValue redacts the value for slog.
func (s SecretSpec) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("repository", s.Repository),
		slog.String("name", s.Name),
	)
}

// FileChange is a single file of a commit batch.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"-"`
}

// CommitBatch is a set of files applied as one change.
type CommitBatch struct {
	Files   []FileChange
	Message string
	Branch  string
}

// Provision run statuses.
const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// ProvisionRun records one saga invocation and its step ledger.
type ProvisionRun struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Repository  string       `json:"repository"`
	ServiceName string       `json:"service_name"`
	Status      string       `json:"status"`
	Steps       []StepResult `json:"steps"`
	Error       string       `json:"error,omitempty"`
	ProjectID   *string      `json:"project_id,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}
