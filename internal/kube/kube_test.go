package kube

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/vmdock/vmdock/internal/lima"
	"github.com/vmdock/vmdock/internal/prompt"
)

// fakeCluster scripts the state the provisioning probes see inside the VM.
type fakeCluster struct {
	depsInstalled bool
	installed     bool
	running       bool
}

func (c *fakeCluster) exec(opts lima.ExecOptions) (string, error) {
	script := opts.Command + " " + strings.Join(opts.Args, " ")
	switch {
	case strings.Contains(script, "command -v minikube"):
		if c.installed {
			return "/usr/local/bin/minikube\n", nil
		}
		return "", fmt.Errorf("exit status 1")
	case strings.Contains(script, "apt-get"):
		c.depsInstalled = true
		return "", nil
	case strings.Contains(script, "storage.googleapis.com"):
		c.installed = true
		return "", nil
	case strings.Contains(script, "minikube status"):
		if c.running {
			return "host: Running\n", nil
		}
		return "", fmt.Errorf("exit status 7")
	case strings.Contains(script, "minikube start"):
		c.running = true
		return "", nil
	case strings.Contains(script, "minikube stop"):
		c.running = false
		return "", nil
	case strings.Contains(script, "minikube delete"):
		c.running = false
		return "", nil
	}
	return "", fmt.Errorf("unexpected guest command: %s", script)
}

type spyMerger struct {
	provisions int
	teardowns  int
}

func (s *spyMerger) Provision(ctx context.Context) error {
	s.provisions++
	return nil
}

func (s *spyMerger) Teardown(ctx context.Context) error {
	s.teardowns++
	return nil
}

func newTestProvisioner(t *testing.T, answer bool) (*Provisioner, *lima.MockClient, *fakeCluster, *spyMerger) {
	t.Helper()
	cluster := &fakeCluster{}
	mock := lima.NewMockClient()
	mock.Instances["vmdock"] = &lima.Instance{Name: "vmdock", Status: lima.StatusRunning}
	mock.ExecFn = func(ctx context.Context, opts lima.ExecOptions) (string, error) {
		return cluster.exec(opts)
	}
	merger := &spyMerger{}
	p := NewProvisioner(mock, merger, prompt.Static{Answer: answer}, "vmdock")
	return p, mock, cluster, merger
}

func TestProvisionFreshInstallsAndStarts(t *testing.T) {
	p, _, cluster, merger := newTestProvisioner(t, true)

	if err := p.Provision(context.Background()); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if !cluster.depsInstalled {
		t.Error("expected cluster dependencies installed")
	}
	if !cluster.installed {
		t.Error("expected minikube installed")
	}
	if !cluster.running {
		t.Error("expected cluster started")
	}
	if merger.provisions != 1 {
		t.Errorf("expected one kubeconfig merge, got %d", merger.provisions)
	}
}

func TestProvisionSecondRunProbesOnly(t *testing.T) {
	p, mock, _, merger := newTestProvisioner(t, true)
	ctx := context.Background()

	if err := p.Provision(ctx); err != nil {
		t.Fatalf("first Provision failed: %v", err)
	}
	mock.ResetCalls()

	if err := p.Provision(ctx); err != nil {
		t.Fatalf("second Provision failed: %v", err)
	}

	for _, call := range mock.ExecCalls {
		script := call.Command + " " + strings.Join(call.Args, " ")
		if !strings.Contains(script, "command -v minikube") && !strings.Contains(script, "minikube status") {
			t.Errorf("unexpected guest command on second provision: %s", script)
		}
	}
	// The merge delegate runs on every start; its own marker makes the
	// repeat a no-op.
	if merger.provisions != 2 {
		t.Errorf("expected merge delegate called each start, got %d", merger.provisions)
	}
}

func TestStopNotRunningIsNoop(t *testing.T) {
	p, mock, cluster, _ := newTestProvisioner(t, true)
	cluster.installed = true

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	for _, call := range mock.ExecCalls {
		script := call.Command + " " + strings.Join(call.Args, " ")
		if strings.Contains(script, "minikube stop") {
			t.Error("stop must not run when the cluster is down")
		}
	}
}

func TestStopHaltsRunningCluster(t *testing.T) {
	p, _, cluster, _ := newTestProvisioner(t, true)
	cluster.installed = true
	cluster.running = true

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if cluster.running {
		t.Error("expected cluster stopped")
	}
}

func TestResetDeclined(t *testing.T) {
	p, mock, _, merger := newTestProvisioner(t, false)

	if err := p.Reset(context.Background()); err != nil {
		t.Fatalf("declined Reset must not fail: %v", err)
	}

	if len(mock.ExecCalls) != 0 {
		t.Errorf("declined reset issued %d guest commands", len(mock.ExecCalls))
	}
	if merger.provisions != 0 || merger.teardowns != 0 {
		t.Error("declined reset must not touch the kubeconfig")
	}
}

func TestResetRebuildsCluster(t *testing.T) {
	p, mock, cluster, merger := newTestProvisioner(t, true)
	cluster.installed = true
	cluster.running = true

	if err := p.Reset(context.Background()); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	deleted := false
	for _, call := range mock.ExecCalls {
		if strings.Contains(strings.Join(call.Args, " "), "delete") {
			deleted = true
		}
	}
	if !deleted {
		t.Error("expected cluster deleted")
	}
	if !cluster.running {
		t.Error("expected cluster started again")
	}
	if merger.teardowns != 1 {
		t.Errorf("expected one kubeconfig teardown, got %d", merger.teardowns)
	}
	if merger.provisions != 1 {
		t.Errorf("expected one kubeconfig merge after reset, got %d", merger.provisions)
	}
}

func TestTeardownSkipsGuestWhenStopped(t *testing.T) {
	p, mock, _, merger := newTestProvisioner(t, true)

	if err := p.Teardown(context.Background(), false); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}

	if len(mock.ExecCalls) != 0 {
		t.Errorf("teardown of a stopped VM issued %d guest commands", len(mock.ExecCalls))
	}
	if merger.teardowns != 1 {
		t.Errorf("expected kubeconfig teardown, got %d", merger.teardowns)
	}
}

func TestTeardownDeletesRunningCluster(t *testing.T) {
	p, mock, cluster, merger := newTestProvisioner(t, true)
	cluster.installed = true
	cluster.running = true

	if err := p.Teardown(context.Background(), true); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}

	deleted := false
	for _, call := range mock.ExecCalls {
		if strings.Contains(strings.Join(call.Args, " "), "delete") {
			deleted = true
		}
	}
	if !deleted {
		t.Error("expected cluster deleted in the guest")
	}
	if merger.teardowns != 1 {
		t.Errorf("expected kubeconfig teardown, got %d", merger.teardowns)
	}
}
