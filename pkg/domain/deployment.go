package domain

import "time"

// DeploymentStatus is the externally reported state of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusDeployed   DeploymentStatus = "deployed"
	DeploymentStatusUndeployed DeploymentStatus = "undeployed"
	DeploymentStatusError      DeploymentStatus = "error"
	DeploymentStatusRolledBack DeploymentStatus = "rolled_back"
)

// DeploymentInfo is the projection of a route version plus live registry state.
type DeploymentInfo struct {
	DeploymentID string           `json:"deploymentId"`
	TenantID     string           `json:"tenantId"`
	APIID        string           `json:"apiId"`
	Status       DeploymentStatus `json:"status"`
	Version      int              `json:"version"`
	Endpoint     string           `json:"endpoint"`
	Method       string           `json:"method"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}
