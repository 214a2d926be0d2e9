package domain

import (
	"strings"
	"time"
)

// ProjectRecord binds a repository to a cloud project and service once provisioning succeeds.
type ProjectRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Repository     string    `json:"repository"`
	CloudProjectID string    `json:"cloud_project_id"`
	ServiceName    string    `json:"service_name"`
	Region         string    `json:"region"`
	DeploymentURL  string    `json:"deployment_url"`
	WorkflowPath   string    `json:"workflow_path"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LedgerKey is the serialization key for ledger writes. Repository names
// compare case-insensitively.
func (p ProjectRecord) LedgerKey() string {
	return strings.ToLower(p.Repository) + "#" + p.ServiceName
}
