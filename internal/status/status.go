package status

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/vmdock/vmdock/internal/config"
	"github.com/vmdock/vmdock/internal/lima"
	"github.com/vmdock/vmdock/internal/runner"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// Check is the result of one health probe.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report aggregates the independent checks for one instance.
type Report struct {
	Instance string  `json:"instance"`
	Checks   []Check `json:"checks"`
}

// Failed reports whether any check failed.
func (r Report) Failed() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return true
		}
	}
	return false
}

// Versions holds component versions for the version command. Components that
// do not answer stay empty.
type Versions struct {
	Lima       string `json:"lima,omitempty"`
	Docker     string `json:"docker,omitempty"`
	Kubernetes string `json:"kubernetes,omitempty"`
}

type engineProber interface {
	Installed(ctx context.Context) bool
	Active(ctx context.Context) bool
}

type clusterProber interface {
	Installed(ctx context.Context) bool
	ClusterRunning(ctx context.Context) bool
}

// Reporter runs the health checks against one instance.
type Reporter struct {
	client  lima.Client
	runner  runner.Runner
	engine  engineProber
	cluster clusterProber
	cfg     config.Config
	baseDir string

	kubeVersion func() (string, error)
	lookPath    func(file string) (string, error)
}

func NewReporter(client lima.Client, r runner.Runner, engine engineProber, cluster clusterProber, cfg config.Config, baseDir string) *Reporter {
	rep := &Reporter{
		client:  client,
		runner:  r,
		engine:  engine,
		cluster: cluster,
		cfg:     cfg,
		baseDir: baseDir,
	}
	rep.kubeVersion = rep.probeKubeVersion
	rep.lookPath = exec.LookPath
	return rep
}

// Run executes every check. Checks are independent; a failing one does not
// stop the rest.
func (r *Reporter) Run(ctx context.Context) Report {
	report := Report{Instance: r.cfg.Instance}
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, Check{Name: name, OK: ok, Detail: detail})
	}

	inst, err := r.client.Get(ctx, r.cfg.Instance)
	switch {
	case err != nil:
		add("vm running", false, "instance does not exist")
	case inst.Status != lima.StatusRunning:
		add("vm running", false, "instance is "+strings.ToLower(string(inst.Status)))
	default:
		add("vm running", true, "")
	}

	if r.engine.Installed(ctx) {
		add("docker installed", true, "")
	} else {
		add("docker installed", false, "not installed in the VM")
	}
	if r.engine.Active(ctx) {
		add("docker running", true, "")
	} else {
		add("docker running", false, "engine is not running")
	}

	if _, err := r.lookPath("docker"); err != nil {
		add("docker cli", false, "not found in PATH; install it with 'brew install docker'")
	} else {
		add("docker cli", true, "")
	}

	out, err := r.runner.Output(ctx, runner.Cmd{
		Path: "docker",
		Args: []string{"version", "--format", "{{.Server.Version}}"},
		Env:  []string{"DOCKER_HOST=unix://" + config.SocketPath(r.baseDir)},
	})
	if err != nil {
		add("docker reachable", false, "socket did not answer")
	} else {
		add("docker reachable", true, "server "+strings.TrimSpace(out))
	}

	if r.cfg.Kubernetes {
		if r.cluster.Installed(ctx) {
			add("kubernetes installed", true, "")
		} else {
			add("kubernetes installed", false, "not installed in the VM")
		}
		if r.cluster.ClusterRunning(ctx) {
			add("kubernetes running", true, "")
		} else {
			add("kubernetes running", false, "cluster is not running")
		}
		if v, err := r.kubeVersion(); err != nil {
			add("kubernetes reachable", false, "api server did not answer")
		} else {
			add("kubernetes reachable", true, v)
		}
	}

	return report
}

// probeKubeVersion asks the cluster's API server for its version through the
// merged host kubeconfig, pinned to this instance's context.
func (r *Reporter) probeKubeVersion() (string, error) {
	loading := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{CurrentContext: r.cfg.Instance}
	restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loading, overrides).ClientConfig()
	if err != nil {
		return "", err
	}
	restCfg.Timeout = 5 * time.Second
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return "", err
	}
	info, err := clientset.Discovery().ServerVersion()
	if err != nil {
		return "", err
	}
	return info.GitVersion, nil
}

// Versions collects component versions. Probes that fail leave their field
// empty rather than failing the command.
func (r *Reporter) Versions(ctx context.Context) Versions {
	var v Versions
	if path, err := lima.FindLimactl(); err == nil {
		if out, err := r.runner.Output(ctx, runner.Cmd{Path: path, Args: []string{"--version"}}); err == nil {
			v.Lima = strings.TrimSpace(out)
		}
	}
	if out, err := r.client.Exec(ctx, lima.ExecOptions{
		Instance: r.cfg.Instance,
		Command:  "docker",
		Args:     []string{"--version"},
		Timeout:  15 * time.Second,
	}); err == nil {
		v.Docker = strings.TrimSpace(out)
	}
	if r.cfg.Kubernetes {
		if out, err := r.client.Exec(ctx, lima.ExecOptions{
			Instance: r.cfg.Instance,
			Command:  "minikube",
			Args:     []string{"version", "--short"},
			Timeout:  15 * time.Second,
		}); err == nil {
			v.Kubernetes = strings.TrimSpace(out)
		}
	}
	return v
}
