package api

// CreateTaskRequest is the payload for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Title   string `json:"title" binding:"required"`
	RepoID  *int64 `json:"repo_id"`
	Prewarm bool   `json:"prewarm"`
}

// CreateRepoRequest is the payload for POST /api/v1/repos.
type CreateRepoRequest struct {
	RemoteURL     string `json:"remote_url" binding:"required"`
	DisplayName   string `json:"display_name" binding:"required"`
	DefaultBranch string `json:"default_branch"`
}

// SendMessageRequest is the payload for POST /api/v1/tasks/:taskId/messages.
type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// SeedTokenRequest is the payload for POST /api/v1/token/seed.
type SeedTokenRequest struct {
	AccessToken      string   `json:"access_token" binding:"required"`
	RefreshToken     string   `json:"refresh_token" binding:"required"`
	ExpiresAtMS      int64    `json:"expires_at_ms" binding:"required"`
	Scopes           []string `json:"scopes"`
	SubscriptionTier string   `json:"subscription_tier"`
}
