package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmdock/vmdock/internal/lima"
	"github.com/vmdock/vmdock/internal/runner"
	"github.com/vmdock/vmdock/internal/tunnel"
)

const (
	hostSocketLink = "/var/run/docker.sock"
	daemonJSON     = `{"features":{"buildkit":true}}`
)

// Provisioner installs and manages Docker inside the VM and exposes its
// socket on the host. Every step probes before acting, so repeat runs issue
// only read-only guest commands.
type Provisioner struct {
	client   lima.Client
	runner   runner.Runner
	tunnel   *tunnel.Tunnel
	baseDir  string
	instance string
	linkPath string
}

func NewProvisioner(client lima.Client, r runner.Runner, tun *tunnel.Tunnel, baseDir, instance string) *Provisioner {
	return &Provisioner{
		client:   client,
		runner:   r,
		tunnel:   tun,
		baseDir:  baseDir,
		instance: instance,
		linkPath: hostSocketLink,
	}
}

func (p *Provisioner) groupMarker() string {
	return filepath.Join(p.baseDir, ".docker-group")
}

func (p *Provisioner) exec(ctx context.Context, timeout time.Duration, command string, args ...string) (string, error) {
	return p.client.Exec(ctx, lima.ExecOptions{
		Instance: p.instance,
		Command:  command,
		Args:     args,
		Timeout:  timeout,
	})
}

func (p *Provisioner) sh(ctx context.Context, timeout time.Duration, script string) (string, error) {
	return p.exec(ctx, timeout, "sh", "-c", script)
}

// Provision runs the setup sequence: host socket link, guest install, group
// membership, tunnel registration, engine start.
func (p *Provisioner) Provision(ctx context.Context) error {
	if err := p.ensureSocketLink(ctx); err != nil {
		return fmt.Errorf("provisioning socket link: %w", err)
	}
	if err := p.ensureInstalled(ctx); err != nil {
		return fmt.Errorf("provisioning docker install: %w", err)
	}
	if err := p.ensureGroup(ctx); err != nil {
		return fmt.Errorf("provisioning docker group: %w", err)
	}
	if err := p.ensureTunnel(ctx); err != nil {
		return fmt.Errorf("provisioning docker tunnel: %w", err)
	}
	if err := p.ensureEngineRunning(ctx); err != nil {
		return fmt.Errorf("starting docker: %w", err)
	}
	return nil
}

// The host's default client socket path becomes a symlink to the forwarded
// socket. This is the one host-side step that needs sudo.
func (p *Provisioner) ensureSocketLink(ctx context.Context) error {
	target, err := os.Readlink(p.linkPath)
	if err == nil && target == p.tunnel.SocketPath() {
		return nil
	}

	fmt.Printf("Linking %s (may ask for your password)...\n", p.linkPath)
	cmd := runner.Command("sudo", "sh", "-c",
		fmt.Sprintf("rm -f %s && ln -s %s %s", p.linkPath, p.tunnel.SocketPath(), p.linkPath))
	if err := p.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("host socket link requires sudo: %w", err)
	}
	return nil
}

// Installed reports whether the engine binary exists in the guest.
func (p *Provisioner) Installed(ctx context.Context) bool {
	_, err := p.sh(ctx, 15*time.Second, "command -v docker")
	return err == nil
}

func (p *Provisioner) ensureInstalled(ctx context.Context) error {
	if p.Installed(ctx) {
		return nil
	}

	fmt.Println("Installing docker in the VM (first run only, takes a few minutes)...")
	if _, err := p.sh(ctx, 10*time.Minute, "curl -fsSL https://get.docker.com | sudo sh"); err != nil {
		return fmt.Errorf("install script: %w", err)
	}
	script := fmt.Sprintf("echo '%s' | sudo tee /etc/docker/daemon.json >/dev/null", daemonJSON)
	if _, err := p.sh(ctx, 30*time.Second, script); err != nil {
		return fmt.Errorf("writing daemon config: %w", err)
	}
	return nil
}

// Group membership only takes effect in a fresh login session, hence the VM
// restart after usermod.
func (p *Provisioner) ensureGroup(ctx context.Context) error {
	if _, err := os.Stat(p.groupMarker()); err == nil {
		return nil
	}

	groups, err := p.sh(ctx, 15*time.Second, "id -nG")
	if err != nil {
		return fmt.Errorf("checking group membership: %w", err)
	}
	member := false
	for _, g := range strings.Fields(groups) {
		if g == "docker" {
			member = true
			break
		}
	}
	if !member {
		fmt.Println("Adding user to the docker group (VM will restart)...")
		if _, err := p.sh(ctx, 30*time.Second, `sudo usermod -aG docker "$USER"`); err != nil {
			return fmt.Errorf("adding user to docker group: %w", err)
		}
		if err := p.client.Stop(ctx, p.instance); err != nil {
			return fmt.Errorf("restarting vm: %w", err)
		}
		if err := p.client.Start(ctx, p.instance); err != nil {
			return fmt.Errorf("restarting vm: %w", err)
		}
	}

	return writeMarker(p.groupMarker())
}

func (p *Provisioner) ensureTunnel(ctx context.Context) error {
	if err := p.tunnel.WriteFiles(); err != nil {
		return err
	}
	if p.tunnel.Loaded(ctx) {
		return nil
	}
	return p.tunnel.Register(ctx)
}

// Active reports whether the engine service is running in the guest.
func (p *Provisioner) Active(ctx context.Context) bool {
	_, err := p.sh(ctx, 15*time.Second, "systemctl is-active docker")
	return err == nil
}

func (p *Provisioner) ensureEngineRunning(ctx context.Context) error {
	if p.Active(ctx) {
		return nil
	}
	_, err := p.exec(ctx, time.Minute, "sudo", "systemctl", "start", "docker")
	return err
}

// Stop drains the engine and unloads the tunnel before the VM halts.
func (p *Provisioner) Stop(ctx context.Context) error {
	if _, err := p.exec(ctx, time.Minute, "sudo", "systemctl", "stop", "docker"); err != nil {
		return fmt.Errorf("stopping docker: %w", err)
	}
	return p.tunnel.Unregister(ctx)
}

// Teardown removes the host-side docker state when the VM is deleted.
func (p *Provisioner) Teardown(ctx context.Context) error {
	if err := p.tunnel.Teardown(ctx); err != nil {
		return err
	}
	if target, err := os.Readlink(p.linkPath); err == nil && target == p.tunnel.SocketPath() {
		cmd := runner.Command("sudo", "rm", "-f", p.linkPath)
		if err := p.runner.Run(ctx, cmd); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not remove %s: %v\n", p.linkPath, err)
		}
	}
	err := os.Remove(p.groupMarker())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func writeMarker(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)+"\n"), 0644)
}
