// Package platform defines the data model of the control plane under
// upgrade and the typed client facades the procedures consume. The facades
// are thin and opaque: the orchestration layer never reaches past them.
package platform

import "strings"

// ChangeType enumerates the operations a plan can request.
type ChangeType string

const (
	// ChangeCreateInstance provisions a new instance of a service.
	ChangeCreateInstance ChangeType = "create-instance"

	// ChangeUpdateInstance updates a single named instance.
	ChangeUpdateInstance ChangeType = "update-instance"

	// ChangeUpdateService rolls a service to a new image.
	ChangeUpdateService ChangeType = "update-service"

	// ChangeRollbackService rolls a service back to a previously saved
	// configuration.
	ChangeRollbackService ChangeType = "rollback-service"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCreateInstance, ChangeUpdateInstance, ChangeUpdateService, ChangeRollbackService:
		return true
	}
	return false
}

// ServiceKind distinguishes how a service is deployed.
type ServiceKind string

const (
	// KindVM services run as dedicated virtual instances.
	KindVM ServiceKind = "vm"

	// KindAgent services run as per-host agents.
	KindAgent ServiceKind = "agent"
)

// Change is one requested mutation. It is produced externally and is
// immutable once dispatched to a procedure.
type Change struct {
	// ID identifies the change within a run.
	ID string `json:"id" yaml:"id"`

	// Type is the requested operation.
	Type ChangeType `json:"type" yaml:"type"`

	// Service is the target service name.
	Service string `json:"service" yaml:"service"`

	// Image is the target image ID.
	Image string `json:"image" yaml:"image"`

	// Servers optionally restricts the change to specific host IDs.
	Servers []string `json:"servers,omitempty" yaml:"servers,omitempty"`

	// Instances optionally restricts the change to specific instance IDs.
	Instances []string `json:"instances,omitempty" yaml:"instances,omitempty"`
}

// Service is a registry-owned service record.
type Service struct {
	// ID is the registry identifier.
	ID string `json:"id"`

	// Name is the service name (e.g. "registry", "workflow-api").
	Name string `json:"name"`

	// Kind is how the service is deployed.
	Kind ServiceKind `json:"kind"`

	// CurrentImage is the image the registry believes is deployed.
	CurrentImage string `json:"current_image"`

	// Params carries service metadata, including the bootstrap user
	// script under the "user-script" key.
	Params map[string]string `json:"params,omitempty"`
}

// UserScript returns the service's bootstrap script, empty if unset.
func (s *Service) UserScript() string {
	if s.Params == nil {
		return ""
	}
	return s.Params["user-script"]
}

// Instance is a deployed unit of a service. For stateful services Role is
// derived live on every run and never persisted by this tool.
type Instance struct {
	// ID is the instance identifier.
	ID string `json:"id"`

	// Alias is the human-readable name (e.g. "registry0").
	Alias string `json:"alias"`

	// Host is the ID of the host the instance runs on.
	Host string `json:"host"`

	// CurrentImage is the image the instance runs.
	CurrentImage string `json:"current_image"`

	// Address is the instance's network address.
	Address string `json:"address"`

	// Role is the live-derived replication or ensemble role, empty for
	// stateless services.
	Role string `json:"role,omitempty"`

	// Params carries per-instance metadata overrides.
	Params map[string]string `json:"params,omitempty"`
}

// Image is an image registry record.
type Image struct {
	// ID is the image identifier.
	ID string `json:"id"`

	// Name is the image name, conventionally the service it serves.
	Name string `json:"name"`

	// Version is the human-readable version string.
	Version string `json:"version"`

	// BuildStamp is the UTC build timestamp in YYYYMMDDThhmmssZ form.
	// Build stamps order images of the same name.
	BuildStamp string `json:"build_stamp"`
}

// Host is a compute host record.
type Host struct {
	// ID is the host identifier.
	ID string `json:"id"`

	// Hostname is the host's name.
	Hostname string `json:"hostname"`

	// Address is the host's admin network address.
	Address string `json:"address"`
}

// TaskStatus is the lifecycle of an asynchronous host-manager task.
type TaskStatus string

const (
	TaskQueued   TaskStatus = "queued"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailure  TaskStatus = "failure"
)

// Terminal reports whether the task has finished, successfully or not.
func (s TaskStatus) Terminal() bool {
	return s == TaskComplete || s == TaskFailure
}

// Task is an asynchronous host-manager operation.
type Task struct {
	// ID is the task identifier.
	ID string `json:"id"`

	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`

	// Message carries failure detail when Status is failure.
	Message string `json:"message,omitempty"`
}

// CompareBuildStamps orders two image build stamps. It returns -1 if a is
// older than b, 0 if equal, 1 if newer. Stamps use the fixed-width
// YYYYMMDDThhmmssZ format, so lexicographic order is chronological order.
func CompareBuildStamps(a, b string) int {
	return strings.Compare(a, b)
}
