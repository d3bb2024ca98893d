package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config describes the managed VM. It is built from defaults, the saved
// config file, and CLI flags, in that order.
type Config struct {
	CPUs       int    `yaml:"cpus"`
	MemoryGiB  int    `yaml:"memoryGiB"`
	DiskGiB    int    `yaml:"diskGiB"`
	SSHPort    int    `yaml:"sshPort"`
	Instance   string `yaml:"instance"`
	HomeMount  string `yaml:"homeMount"`
	Kubernetes bool   `yaml:"kubernetes"`
}

func Default() Config {
	return Config{
		CPUs:       2,
		MemoryGiB:  4,
		DiskGiB:    60,
		SSHPort:    41122,
		Instance:   "vmdock",
		HomeMount:  "~",
		Kubernetes: false,
	}
}

// Validate rejects a config before any VM state is touched.
func (c Config) Validate() error {
	if c.CPUs < 1 {
		return fmt.Errorf("invalid config: cpus must be at least 1, got %d", c.CPUs)
	}
	if c.MemoryGiB < 1 {
		return fmt.Errorf("invalid config: memory must be at least 1 GiB, got %d", c.MemoryGiB)
	}
	if c.DiskGiB < 1 {
		return fmt.Errorf("invalid config: disk must be at least 1 GiB, got %d", c.DiskGiB)
	}
	if c.SSHPort < 1 || c.SSHPort > 65535 {
		return fmt.Errorf("invalid config: sshPort must be in 1..65535, got %d", c.SSHPort)
	}
	if c.Instance == "" {
		return fmt.Errorf("invalid config: instance name must not be empty")
	}
	return nil
}

func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vmdock")
}

func ConfigPath(dir string) string {
	return filepath.Join(dir, "config.yaml")
}

// TemplatePath is the rendered VM definition handed to the runtime on create.
func TemplatePath(dir string) string {
	return filepath.Join(dir, "vmdock.yaml")
}

// SocketPath is the host side of the forwarded docker socket.
func SocketPath(dir string) string {
	return filepath.Join(dir, "docker.sock")
}

func LogPath(dir string) string {
	return filepath.Join(dir, "vmdock.log")
}

func Load(dir string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ConfigPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func Save(dir string, cfg Config) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(dir), data, 0644)
}

// Exists reports whether a config file has been saved before.
func Exists(dir string) bool {
	_, err := os.Stat(ConfigPath(dir))
	return err == nil
}

func EnsureDirs(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}
