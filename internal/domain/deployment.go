package domain

import "time"

// DeploymentStatus is the lifecycle state of a deployment attempt.
type DeploymentStatus string

const (
	DeploymentPending DeploymentStatus = "pending"
	DeploymentSuccess DeploymentStatus = "success"
	DeploymentFailed  DeploymentStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentSuccess || s == DeploymentFailed
}

// Deployment captures a single deploy attempt for a project.
type Deployment struct {
	ID            string
	ProjectID     string
	Status        DeploymentStatus
	URL           string
	FileCount     int
	StoragePrefix string
	InstanceID    string
	Error         string
	DeployedBy    string
	DeployedAt    time.Time
	CompletedAt   *time.Time
}

// DeploymentStatusUpdate moves a pending deployment to a terminal state.
type DeploymentStatusUpdate struct {
	DeploymentID  string
	Status        DeploymentStatus
	URL           string
	FileCount     int
	StoragePrefix string
	InstanceID    string
	Error         string
	CompletedAt   time.Time
}
