package lima

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Template is the subset of Lima's instance configuration this tool renders.
// It is a typed model serialized with the YAML library so bad values are
// rejected before anything reaches disk.
type Template struct {
	Images     []Image    `yaml:"images"`
	CPUs       int        `yaml:"cpus"`
	Memory     string     `yaml:"memory"`
	Disk       string     `yaml:"disk"`
	Mounts     []Mount    `yaml:"mounts"`
	SSH        SSHConfig  `yaml:"ssh"`
	Firmware   Firmware   `yaml:"firmware"`
	Containerd Containerd `yaml:"containerd"`
}

type Image struct {
	Location string `yaml:"location"`
	Arch     string `yaml:"arch"`
}

type Mount struct {
	Location string `yaml:"location"`
	Writable bool   `yaml:"writable"`
}

type SSHConfig struct {
	LocalPort         int  `yaml:"localPort"`
	LoadDotSSHPubKeys bool `yaml:"loadDotSSHPubKeys"`
}

type Firmware struct {
	LegacyBIOS bool `yaml:"legacyBIOS"`
}

type Containerd struct {
	System bool `yaml:"system"`
	User   bool `yaml:"user"`
}

type TemplateParams struct {
	CPUs      int
	MemoryGiB int
	DiskGiB   int
	SSHPort   int
	HomeMount string
}

const (
	imageBase  = "https://cloud-images.ubuntu.com/releases/22.04/release"
	scratchDir = "/tmp/vmdock"
)

// NewTemplate builds the VM definition. Containerd stays off since Docker is
// installed separately, and the SSH port is pinned so the socket tunnel can
// find the guest without probing.
func NewTemplate(p TemplateParams) Template {
	return Template{
		Images: []Image{
			{Location: imageBase + "/ubuntu-22.04-server-cloudimg-amd64.img", Arch: "x86_64"},
			{Location: imageBase + "/ubuntu-22.04-server-cloudimg-arm64.img", Arch: "aarch64"},
		},
		CPUs:   p.CPUs,
		Memory: fmt.Sprintf("%dGiB", p.MemoryGiB),
		Disk:   fmt.Sprintf("%dGiB", p.DiskGiB),
		Mounts: []Mount{
			{Location: p.HomeMount, Writable: true},
			{Location: scratchDir, Writable: true},
		},
		SSH: SSHConfig{
			LocalPort:         p.SSHPort,
			LoadDotSSHPubKeys: false,
		},
		Firmware:   Firmware{LegacyBIOS: true},
		Containerd: Containerd{System: false, User: false},
	}
}

func (t Template) Validate() error {
	if t.CPUs < 1 {
		return fmt.Errorf("invalid template: cpus must be at least 1, got %d", t.CPUs)
	}
	if t.Memory == "" || t.Memory == "0GiB" {
		return fmt.Errorf("invalid template: memory must be set")
	}
	if t.Disk == "" || t.Disk == "0GiB" {
		return fmt.Errorf("invalid template: disk must be set")
	}
	if len(t.Images) == 0 {
		return fmt.Errorf("invalid template: at least one image is required")
	}
	for _, img := range t.Images {
		if img.Location == "" {
			return fmt.Errorf("invalid template: image location must not be empty")
		}
	}
	for _, m := range t.Mounts {
		if m.Location == "" {
			return fmt.Errorf("invalid template: mount location must not be empty")
		}
	}
	if t.SSH.LocalPort < 1 || t.SSH.LocalPort > 65535 {
		return fmt.Errorf("invalid template: ssh port must be in 1..65535, got %d", t.SSH.LocalPort)
	}
	return nil
}

// WriteTemplate validates and writes the definition to path.
func WriteTemplate(t Template, path string) error {
	if err := t.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshaling template: %w", err)
	}
	data = append([]byte("# Generated by vmdock. Manual edits are overwritten on config changes.\n"), data...)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
