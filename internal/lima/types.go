package lima

import "time"

type InstanceStatus string

const (
	StatusRunning InstanceStatus = "Running"
	StatusStopped InstanceStatus = "Stopped"
	StatusUnknown InstanceStatus = ""
)

type Instance struct {
	Name         string         `json:"name"`
	Status       InstanceStatus `json:"status"`
	Dir          string         `json:"dir"`
	Arch         string         `json:"arch"`
	CPUs         int            `json:"cpus"`
	Memory       int64          `json:"memory"`
	Disk         int64          `json:"disk"`
	SSHLocalPort int            `json:"sshLocalPort"`
}

type ExecOptions struct {
	Instance string
	Command  string
	Args     []string
	Timeout  time.Duration
}
