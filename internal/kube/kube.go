package kube

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vmdock/vmdock/internal/lima"
	"github.com/vmdock/vmdock/internal/prompt"
)

const startTimeout = 10 * time.Minute

// installScript fetches the release binary matching the guest architecture.
const installScript = `curl -fsSL -o /tmp/minikube https://storage.googleapis.com/minikube/releases/latest/minikube-linux-$(dpkg --print-architecture) && sudo install /tmp/minikube /usr/local/bin/minikube && rm /tmp/minikube`

type configMerger interface {
	Provision(ctx context.Context) error
	Teardown(ctx context.Context) error
}

// Provisioner installs and manages the kubernetes cluster inside the VM. The
// cluster runs directly against the guest's docker engine, and the VM runtime
// forwards its API port to the host loopback.
type Provisioner struct {
	client   lima.Client
	merger   configMerger
	prompter prompt.Prompter
	instance string
}

func NewProvisioner(client lima.Client, merger configMerger, pr prompt.Prompter, instance string) *Provisioner {
	return &Provisioner{
		client:   client,
		merger:   merger,
		prompter: pr,
		instance: instance,
	}
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

// Installed reports whether the cluster binary exists in the guest.
func (p *Provisioner) Installed(ctx context.Context) bool {
	_, err := p.sh(ctx, 15*time.Second, "command -v minikube")
	return err == nil
}

// ClusterRunning reports whether the cluster answers a status probe.
func (p *Provisioner) ClusterRunning(ctx context.Context) bool {
	_, err := p.exec(ctx, 30*time.Second, "sudo", "minikube", "status")
	return err == nil
}

// Provision installs the cluster tooling on first run, then starts the
// cluster.
func (p *Provisioner) Provision(ctx context.Context) error {
	if !p.Installed(ctx) {
		fmt.Println("Installing kubernetes in the VM (first run only, takes a few minutes)...")
		if _, err := p.sh(ctx, 5*time.Minute, "sudo apt-get update -qq && sudo apt-get install -y -qq conntrack socat"); err != nil {
			return fmt.Errorf("installing cluster dependencies: %w", err)
		}
		if _, err := p.sh(ctx, 5*time.Minute, installScript); err != nil {
			return fmt.Errorf("installing minikube: %w", err)
		}
	}
	return p.Start(ctx)
}

// Start boots the cluster if it is not already running, then merges its
// credentials into the host kubeconfig. The merge runs on every start so an
// interrupted first start converges on the next one.
func (p *Provisioner) Start(ctx context.Context) error {
	if !p.ClusterRunning(ctx) {
		fmt.Println("Starting kubernetes...")
		if _, err := p.exec(ctx, startTimeout, "sudo", "minikube", "start", "--driver=none"); err != nil {
			return fmt.Errorf("starting kubernetes: %w", err)
		}
	}
	return p.merger.Provision(ctx)
}

// Stop halts the cluster. Nothing to do when it is not running.
func (p *Provisioner) Stop(ctx context.Context) error {
	if !p.ClusterRunning(ctx) {
		return nil
	}
	fmt.Println("Stopping kubernetes...")
	if _, err := p.exec(ctx, 2*time.Minute, "sudo", "minikube", "stop"); err != nil {
		return fmt.Errorf("stopping kubernetes: %w", err)
	}
	return nil
}

// Reset deletes the cluster and provisions a fresh one.
func (p *Provisioner) Reset(ctx context.Context) error {
	if !p.prompter.Confirm("Reset the kubernetes cluster? All workloads will be lost.") {
		fmt.Println("Aborted.")
		return nil
	}
	if _, err := p.exec(ctx, 5*time.Minute, "sudo", "minikube", "delete"); err != nil {
		return fmt.Errorf("deleting cluster: %w", err)
	}
	if err := p.merger.Teardown(ctx); err != nil {
		return err
	}
	return p.Provision(ctx)
}

// Teardown deletes the cluster and removes its host kubeconfig entries. The
// guest delete is skipped when the VM is not running.
func (p *Provisioner) Teardown(ctx context.Context, vmRunning bool) error {
	if vmRunning && p.Installed(ctx) {
		if _, err := p.exec(ctx, 5*time.Minute, "sudo", "minikube", "delete"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not delete cluster: %v\n", err)
		}
	}
	return p.merger.Teardown(ctx)
}
