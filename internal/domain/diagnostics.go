package domain

// TokenDiagnostics describes the configured credential without revealing it
type TokenDiagnostics struct {
	TokenExists       bool     `json:"tokenExists"`
	TokenLength       int      `json:"tokenLength"`
	TokenPrefix       string   `json:"tokenPrefix"`
	TokenKind         string   `json:"tokenKind"`
	GitHubRelatedVars []string `json:"githubRelatedVars"`
	DeployContext     string   `json:"deployContext"`
}

// AccessProbe is the result of one credential/permission check against GitHub
type AccessProbe struct {
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OK reports whether the probe succeeded
func (p AccessProbe) OK() bool {
	return p.Error == ""
}

// AccessReport aggregates the access probes run by the connectivity check
type AccessReport struct {
	UserTest     AccessProbe     `json:"userTest"`
	RepoTest     AccessProbe     `json:"repoTest"`
	DispatchTest AccessProbe     `json:"dispatchTest"`
	Summary      map[string]bool `json:"summary"`
}
