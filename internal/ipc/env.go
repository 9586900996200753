package ipc

// Environment handed to every worker process at spawn
const (
	EnvSocket      = "SUPERVISOR_SOCKET"
	EnvTenantID    = "SUPERVISOR_TENANT_ID"
	EnvWorkerToken = "SUPERVISOR_WORKER_TOKEN"
	EnvArtifactDir = "SUPERVISOR_ARTIFACT_DIR"
)
