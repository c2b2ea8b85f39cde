package guard

import "context"

// HealthState is the reported health of a single instance.
type HealthState string

const (
	HealthUp           HealthState = "Up"
	HealthDown         HealthState = "Down"
	HealthOutOfService HealthState = "OutOfService"
	HealthStarting     HealthState = "Starting"
	HealthUnknown      HealthState = "Unknown"
)

// Instance is one machine or container inside a server group.
type Instance struct {
	Name        string      `json:"name"`
	HealthState HealthState `json:"healthState"`
}

// Moniker names the logical owner of a server group.
type Moniker struct {
	App     string `json:"app"`
	Cluster string `json:"cluster"`
	Stack   string `json:"stack,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Location is a deployment placement such as a region, zone or
// namespace.
type Location struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Capacity is a server group's autoscaling bounds.
type Capacity struct {
	Min     int `json:"min"`
	Desired int `json:"desired"`
	Max     int `json:"max"`
}

// Pinned reports whether the group is fixed-size rather than autoscaled.
func (c Capacity) Pinned() bool {
	return c.Min == c.Max && c.Max == c.Desired
}

// ServerGroup is a snapshot of one deployed group of instances.
type ServerGroup struct {
	Name      string     `json:"name"`
	Moniker   Moniker    `json:"moniker"`
	Location  Location   `json:"location"`
	Capacity  Capacity   `json:"capacity"`
	Instances []Instance `json:"instances,omitempty"`
	Disabled  bool       `json:"disabled,omitempty"`
}

// HealthyCount returns the number of instances reporting Up.
func (sg *ServerGroup) HealthyCount() int {
	n := 0
	for _, inst := range sg.Instances {
		if inst.HealthState == HealthUp {
			n++
		}
	}
	return n
}

// Cluster is the set of server groups sharing one moniker.
type Cluster struct {
	Name         string        `json:"name"`
	Application  string        `json:"application"`
	ServerGroups []ServerGroup `json:"serverGroups"`
}

// InventoryProvider supplies current infrastructure snapshots. It is
// implemented by a cloud inventory service outside this package.
type InventoryProvider interface {
	GetServerGroup(ctx context.Context, account, name string, location Location) (*ServerGroup, error)
	GetCluster(ctx context.Context, account, application, cluster string) (*Cluster, error)
}

// PolicySource answers whether a capacity guard is configured for a
// cluster. An unconfigured cluster is never guarded.
type PolicySource interface {
	HasGuard(ctx context.Context, moniker Moniker, account string, location Location) (bool, error)
}
