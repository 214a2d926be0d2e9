package domain

// CloudProject is a project visible to a linked Google account.
type CloudProject struct {
	ProjectID     string `json:"project_id"`
	Name          string `json:"name"`
	ProjectNumber int64  `json:"project_number"`
	State         string `json:"lifecycle_state"`
}

// CloudConnection reports whether a user's Google linkage can reach the
// resource manager.
type CloudConnection struct {
	Linked       bool   `json:"linked"`
	ValidToken   bool   `json:"valid_token"`
	ProjectCount int    `json:"project_count"`
	Error        string `json:"error,omitempty"`
}
