package incus

type InstanceStatus string

const (
	StatusRunning InstanceStatus = "Running"
	StatusStopped InstanceStatus = "Stopped"
	StatusUnknown InstanceStatus = ""
)

// InstanceType mirrors the backend's type column.
const (
	TypeContainer      = "container"
	TypeVirtualMachine = "virtual-machine"
)

type Instance struct {
	Name    string         `json:"name"`
	Status  InstanceStatus `json:"status"`
	Type    string         `json:"type"`
	Project string         `json:"project"`
}

type LaunchOptions struct {
	Name         string
	Image        string
	VM           bool
	Profiles     []string
	Config       map[string]string
	Devices      map[string]map[string]string
	Network      string
	InstanceType string // e.g. "c2-m2"
}

type ExecOptions struct {
	Instance string
	Args     []string
	Cwd      string
}
