package ws

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/splax/sitegate/internal/domain"
)

// EventDeploymentStatus is the type of every deployment event.
const EventDeploymentStatus = "deployment.status"

// DeploymentEvent is the payload written to subscribers.
type DeploymentEvent struct {
	Type         string                  `json:"type"`
	DeploymentID string                  `json:"deployment_id"`
	ProjectID    string                  `json:"project_id"`
	Status       domain.DeploymentStatus `json:"status"`
	URL          string                  `json:"deployment_url,omitempty"`
	FileCount    int                     `json:"file_count,omitempty"`
	InstanceID   string                  `json:"instance_id,omitempty"`
	Error        string                  `json:"error_message,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

// DeploymentStream publishes deployment changes on a Hub.
type DeploymentStream struct {
	hub *Hub
	log *slog.Logger
}

// NewDeploymentStream returns a stream writing to hub.
func NewDeploymentStream(hub *Hub, log *slog.Logger) DeploymentStream {
	if log == nil {
		log = slog.Default()
	}
	return DeploymentStream{hub: hub, log: log}
}

// DeploymentChanged broadcasts the deployment's current state.
func (s DeploymentStream) DeploymentChanged(d domain.Deployment) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalDeployment(d)
	if err != nil {
		s.log.Warn("failed to marshal deployment event", "deployment_id", d.ID, "error", err)
		return
	}
	s.hub.Broadcast(d.ID, payload)
}

// MarshalDeployment formats a deployment for streaming.
func MarshalDeployment(d domain.Deployment) ([]byte, error) {
	ts := d.DeployedAt
	if d.CompletedAt != nil {
		ts = *d.CompletedAt
	}
	return json.Marshal(DeploymentEvent{
		Type:         EventDeploymentStatus,
		DeploymentID: d.ID,
		ProjectID:    d.ProjectID,
		Status:       d.Status,
		URL:          d.URL,
		FileCount:    d.FileCount,
		InstanceID:   d.InstanceID,
		Error:        d.Error,
		Timestamp:    ts.UTC(),
	})
}
