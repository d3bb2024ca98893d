package lima

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmdock/vmdock/internal/runner"
)

type Client interface {
	Create(ctx context.Context, name, configPath string) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string, force bool) error
	List(ctx context.Context) ([]Instance, error)
	Get(ctx context.Context, name string) (*Instance, error)
	Exec(ctx context.Context, opts ExecOptions) (string, error)
	CopyFromGuest(ctx context.Context, instance, guestPath, localPath string) error
}

type client struct {
	limactl string
	runner  runner.Runner
}

func NewClient(r runner.Runner) (Client, error) {
	path, err := runner.LookPath("limactl", "install it with 'brew install lima'")
	if err != nil {
		return nil, err
	}
	return &client{limactl: path, runner: r}, nil
}

func (c *client) run(ctx context.Context, args ...string) (string, error) {
	return c.runner.Output(ctx, runner.Command(c.limactl, args...))
}

func (c *client) Create(ctx context.Context, name, configPath string) error {
	_, err := c.run(ctx, "create", configPath, "--name", name, "--tty=false")
	return err
}

func (c *client) Start(ctx context.Context, name string) error {
	_, err := c.run(ctx, "start", name)
	return err
}

func (c *client) Stop(ctx context.Context, name string) error {
	_, err := c.run(ctx, "stop", name)
	return err
}

func (c *client) Delete(ctx context.Context, name string, force bool) error {
	args := []string{"delete", name}
	if force {
		args = append(args, "--force")
	}
	_, err := c.run(ctx, args...)
	return err
}

// List parses limactl's JSON-lines output, one instance per line.
func (c *client) List(ctx context.Context) ([]Instance, error) {
	output, err := c.run(ctx, "list", "--json")
	if err != nil {
		return nil, err
	}

	var instances []Instance
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		var inst Instance
		if err := json.Unmarshal([]byte(line), &inst); err != nil {
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (c *client) Get(ctx context.Context, name string) (*Instance, error) {
	instances, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.Name == name {
			return &inst, nil
		}
	}
	return nil, fmt.Errorf("instance %q not found", name)
}

func (c *client) Exec(ctx context.Context, opts ExecOptions) (string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := []string{"shell", opts.Instance, "--", opts.Command}
	args = append(args, opts.Args...)
	return c.run(ctx, args...)
}

func (c *client) CopyFromGuest(ctx context.Context, instance, guestPath, localPath string) error {
	_, err := c.run(ctx, "copy", fmt.Sprintf("%s:%s", instance, guestPath), localPath)
	return err
}

func FindLimactl() (string, error) {
	return runner.LookPath("limactl", "install it with 'brew install lima'")
}
