package domain

import "time"

// Revision is an immutable deployed version of a service.
type Revision struct {
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	TrafficPercent int64     `json:"traffic_percent"`
	Active         bool      `json:"active"`
	Image          string    `json:"image"`
}

// RollbackResult reports a completed rollback.
type RollbackResult struct {
	Previous    string `json:"previous"`
	Current     string `json:"current"`
	URL         string `json:"url"`
	IssueNumber int    `json:"issue_number,omitempty"`
}
