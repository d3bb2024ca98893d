package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmdock/vmdock/internal/config"
	"github.com/vmdock/vmdock/internal/lima"
	"github.com/vmdock/vmdock/internal/prompt"
	"golang.org/x/sys/unix"
)

// ErrNotRunning is returned by operations that need a running VM.
var ErrNotRunning = errors.New("vmdock is not running; run 'vmdock start' first")

// Image download dominates the first create.
const createTimeout = 15 * time.Minute

// State is the observed lifecycle state of the instance, derived from the
// runtime on every call rather than cached.
type State struct {
	Exists  bool
	Running bool
}

type engineManager interface {
	Provision(ctx context.Context) error
	Stop(ctx context.Context) error
	Teardown(ctx context.Context) error
}

type clusterManager interface {
	Provision(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	Teardown(ctx context.Context, vmRunning bool) error
}

// Lifecycle drives the instance through its states. Mutating operations hold
// an exclusive lock so concurrent invocations fail fast instead of
// interleaving guest commands.
type Lifecycle struct {
	client   lima.Client
	engine   engineManager
	cluster  clusterManager
	prompter prompt.Prompter
	baseDir  string
	instance string
}

func New(client lima.Client, engine engineManager, cluster clusterManager, pr prompt.Prompter, baseDir, instance string) *Lifecycle {
	return &Lifecycle{
		client:   client,
		engine:   engine,
		cluster:  cluster,
		prompter: pr,
		baseDir:  baseDir,
		instance: instance,
	}
}

// State looks up the instance in the runtime. A Running report is only
// trusted when the guest also answers a liveness probe; no guest commands
// are issued for absent or stopped instances.
func (l *Lifecycle) State(ctx context.Context) (State, error) {
	instances, err := l.client.List(ctx)
	if err != nil {
		return State{}, fmt.Errorf("listing instances: %w", err)
	}
	for _, inst := range instances {
		if inst.Name != l.instance {
			continue
		}
		st := State{Exists: true}
		if inst.Status == lima.StatusRunning {
			st.Running = l.alive(ctx)
		}
		return st, nil
	}
	return State{}, nil
}

func (l *Lifecycle) alive(ctx context.Context) bool {
	_, err := l.client.Exec(ctx, lima.ExecOptions{
		Instance: l.instance,
		Command:  "true",
		Timeout:  10 * time.Second,
	})
	return err == nil
}

// AssertRunning fails with ErrNotRunning unless the instance exists and
// answers.
func (l *Lifecycle) AssertRunning(ctx context.Context) error {
	st, err := l.State(ctx)
	if err != nil {
		return err
	}
	if !st.Running {
		return ErrNotRunning
	}
	return nil
}

// Start brings the instance to Running and provisions the runtimes. Settings
// apply when the VM is created or booted from Stopped; a running VM is left
// untouched.
func (l *Lifecycle) Start(ctx context.Context, cfg config.Config, configChanged bool) error {
	return l.withLock(func() error { return l.start(ctx, cfg, configChanged) })
}

func (l *Lifecycle) start(ctx context.Context, cfg config.Config, configChanged bool) error {
	st, err := l.State(ctx)
	if err != nil {
		return err
	}

	switch {
	case st.Running:
		fmt.Fprintf(os.Stderr, "Warning: %s is already running; flags are ignored (stop it first to apply changes)\n", l.instance)
		return nil
	case !st.Exists:
		fmt.Printf("Creating %s...\n", l.instance)
		templatePath := config.TemplatePath(l.baseDir)
		if err := lima.WriteTemplate(templateFromConfig(cfg), templatePath); err != nil {
			return fmt.Errorf("writing vm template: %w", err)
		}
		createCtx, cancel := context.WithTimeout(ctx, createTimeout)
		defer cancel()
		if err := l.client.Create(createCtx, l.instance, templatePath); err != nil {
			return fmt.Errorf("creating vm: %w", err)
		}
	case configChanged:
		if err := l.rewriteInstanceConfig(ctx, cfg); err != nil {
			return err
		}
	}

	fmt.Printf("Starting %s...\n", l.instance)
	if err := l.client.Start(ctx, l.instance); err != nil {
		return fmt.Errorf("starting vm: %w", err)
	}

	if err := l.engine.Provision(ctx); err != nil {
		return err
	}
	if cfg.Kubernetes {
		if err := l.cluster.Provision(ctx); err != nil {
			return err
		}
	}
	fmt.Printf("%s is ready\n", l.instance)
	return nil
}

// rewriteInstanceConfig regenerates the runtime's persisted instance config
// so changed settings take effect on the coming boot.
func (l *Lifecycle) rewriteInstanceConfig(ctx context.Context, cfg config.Config) error {
	inst, err := l.client.Get(ctx, l.instance)
	if err != nil {
		return fmt.Errorf("looking up instance: %w", err)
	}
	fmt.Println("Applying changed settings...")
	path := filepath.Join(inst.Dir, "lima.yaml")
	if err := lima.WriteTemplate(templateFromConfig(cfg), path); err != nil {
		return fmt.Errorf("rewriting instance config: %w", err)
	}
	return nil
}

func templateFromConfig(cfg config.Config) lima.Template {
	return lima.NewTemplate(lima.TemplateParams{
		CPUs:      cfg.CPUs,
		MemoryGiB: cfg.MemoryGiB,
		DiskGiB:   cfg.DiskGiB,
		SSHPort:   cfg.SSHPort,
		HomeMount: cfg.HomeMount,
	})
}

// Stop drains the engine and its tunnel, then halts the VM.
func (l *Lifecycle) Stop(ctx context.Context) error {
	return l.withLock(func() error { return l.stop(ctx) })
}

func (l *Lifecycle) stop(ctx context.Context) error {
	if err := l.AssertRunning(ctx); err != nil {
		return err
	}
	fmt.Printf("Stopping %s...\n", l.instance)
	if err := l.engine.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not drain docker cleanly: %v\n", err)
	}
	if err := l.client.Stop(ctx, l.instance); err != nil {
		return fmt.Errorf("stopping vm: %w", err)
	}
	fmt.Printf("%s stopped\n", l.instance)
	return nil
}

// Delete tears down the cluster, the engine's host state, the VM, and the
// local data directory. Asks before acting and is safe to repeat.
func (l *Lifecycle) Delete(ctx context.Context) error {
	return l.withLock(func() error { return l.delete(ctx) })
}

func (l *Lifecycle) delete(ctx context.Context) error {
	if !l.prompter.Confirm(fmt.Sprintf("Delete %s and all its data?", l.instance)) {
		fmt.Println("Aborted.")
		return nil
	}

	st, err := l.State(ctx)
	if err != nil {
		return err
	}

	if err := l.cluster.Teardown(ctx, st.Running); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: kubernetes teardown: %v\n", err)
	}
	if st.Running {
		if err := l.engine.Stop(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not drain docker cleanly: %v\n", err)
		}
	}
	if err := l.engine.Teardown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: docker teardown: %v\n", err)
	}
	if st.Running {
		if err := l.client.Stop(ctx, l.instance); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not stop vm cleanly: %v\n", err)
		}
	}

	if st.Exists {
		fmt.Printf("Deleting %s...\n", l.instance)
		if err := l.client.Delete(ctx, l.instance, true); err != nil {
			return fmt.Errorf("deleting vm: %w", err)
		}
	}
	if err := os.RemoveAll(l.baseDir); err != nil {
		return fmt.Errorf("removing %s: %w", l.baseDir, err)
	}
	fmt.Printf("%s deleted\n", l.instance)
	return nil
}

// StartKubernetes provisions the cluster in an already-running VM.
func (l *Lifecycle) StartKubernetes(ctx context.Context) error {
	return l.withLock(func() error {
		if err := l.AssertRunning(ctx); err != nil {
			return err
		}
		return l.cluster.Provision(ctx)
	})
}

// StopKubernetes halts the cluster and leaves the VM running.
func (l *Lifecycle) StopKubernetes(ctx context.Context) error {
	return l.withLock(func() error {
		if err := l.AssertRunning(ctx); err != nil {
			return err
		}
		return l.cluster.Stop(ctx)
	})
}

// ResetKubernetes rebuilds the cluster from scratch.
func (l *Lifecycle) ResetKubernetes(ctx context.Context) error {
	return l.withLock(func() error {
		if err := l.AssertRunning(ctx); err != nil {
			return err
		}
		return l.cluster.Reset(ctx)
	})
}

// withLock serializes mutating operations on the instance. A second vmdock
// invocation fails fast instead of interleaving guest commands.
func (l *Lifecycle) withLock(fn func() error) error {
	if err := os.MkdirAll(l.baseDir, 0755); err != nil {
		return err
	}
	path := filepath.Join(l.baseDir, l.instance+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("another vmdock operation is in progress (lock held on %s)", path)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}
