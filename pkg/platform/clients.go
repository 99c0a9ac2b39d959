package platform

import "context"

// InstanceFilter narrows an instance listing. Zero value lists everything.
type InstanceFilter struct {
	// Service filters by owning service name.
	Service string

	// State filters by lifecycle state (e.g. "running").
	State string

	// Tag filters by an instance tag.
	Tag string
}

// Registry is the service registry client: the source of truth for service
// and instance records. Note that for replicated databases and ensembles
// the registry's topology view is advisory only; procedures derive
// topology live.
type Registry interface {
	ListServices(ctx context.Context) ([]Service, error)
	GetService(ctx context.Context, name string) (*Service, error)
	UpdateService(ctx context.Context, svc *Service) error
	ListInstances(ctx context.Context, service string) ([]Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance) error
	CreateInstance(ctx context.Context, service string, inst *Instance) (*Instance, error)
	DeleteInstance(ctx context.Context, instanceID string) error
}

// InstanceManager is the virtual-instance manager client.
type InstanceManager interface {
	ListInstances(ctx context.Context, filter InstanceFilter) ([]Instance, error)
}

// HostManager is the compute-host manager client. Agent installs are
// asynchronous tasks polled to completion.
type HostManager interface {
	ListHosts(ctx context.Context) ([]Host, error)
	InstallAgent(ctx context.Context, hostID, imageID string) (*Task, error)
	UninstallAgent(ctx context.Context, hostID, service string) (*Task, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
}

// ImageRegistry is the image registry client.
type ImageRegistry interface {
	GetImage(ctx context.Context, imageID string) (*Image, error)

	// GetImageFile downloads the image payload to destPath.
	GetImageFile(ctx context.Context, imageID, destPath string) error
}

// Clients bundles every platform facade the procedures need.
type Clients struct {
	Registry  Registry
	Instances InstanceManager
	Hosts     HostManager
	Images    ImageRegistry
}
