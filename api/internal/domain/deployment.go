package domain

import "time"

// WorkflowRun is one execution of a repository's Actions workflow.
type WorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion,omitempty"`
	RunNumber  int       `json:"run_number"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	URL        string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WorkflowStep is a step inside a job.
type WorkflowStep struct {
	Number      int        `json:"number"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkflowJob is a job of a workflow run with its steps.
type WorkflowJob struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Conclusion  string         `json:"conclusion,omitempty"`
	URL         string         `json:"html_url"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
}

// DeploymentStatus is the pipeline view of a provisioned project: its recent
// runs and, when one was selected, that run's jobs.
type DeploymentStatus struct {
	Project ProjectRecord `json:"project"`
	Runs    []WorkflowRun `json:"workflow_runs"`
	Current *WorkflowRun  `json:"current_run,omitempty"`
	Jobs    []WorkflowJob `json:"jobs"`
}
