package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vmdock/vmdock/internal/config"
	"github.com/vmdock/vmdock/internal/docker"
	"github.com/vmdock/vmdock/internal/kube"
	"github.com/vmdock/vmdock/internal/kubeconfig"
	"github.com/vmdock/vmdock/internal/lima"
	"github.com/vmdock/vmdock/internal/prompt"
	"github.com/vmdock/vmdock/internal/runner"
	"github.com/vmdock/vmdock/internal/status"
	"github.com/vmdock/vmdock/internal/tunnel"
	"github.com/vmdock/vmdock/internal/vm"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "vmdock",
		Short: "Run docker (and optionally kubernetes) in a local VM",
	}

	root.AddCommand(
		startCmd(),
		stopCmd(),
		deleteCmd(),
		statusCmd(),
		sshCmd(),
		kubernetesCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the wired-up collaborators for one command invocation.
type app struct {
	cfg       config.Config
	dir       string
	client    lima.Client
	runner    runner.Runner
	docker    *docker.Provisioner
	kube      *kube.Provisioner
	lifecycle *vm.Lifecycle
	logFile   *os.File
}

func loadConfig() (config.Config, string, error) {
	dir := config.BaseDir()
	cfg, err := config.Load(dir)
	return cfg, dir, err
}

func newApp(cfg config.Config, dir string) (*app, error) {
	if err := config.EnsureDirs(dir); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, dir: dir}

	// Every external command is echoed into the instance log.
	var logW io.Writer
	if f, err := os.OpenFile(config.LogPath(dir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
		a.logFile = f
		logW = f
	}
	r := runner.NewExec(logW)

	client, err := lima.NewClient(r)
	if err != nil {
		a.close()
		return nil, err
	}

	tun := tunnel.New(r, dir, tunnel.LaunchAgentsDir(), cfg.SSHPort)
	dock := docker.NewProvisioner(client, r, tun, dir, cfg.Instance)
	merger := kubeconfig.NewMerger(client, r, dir, cfg.Instance)
	pr := prompt.Terminal{}
	cluster := kube.NewProvisioner(client, merger, pr, cfg.Instance)

	a.client = client
	a.runner = r
	a.docker = dock
	a.kube = cluster
	a.lifecycle = vm.New(client, dock, cluster, pr, dir, cfg.Instance)
	return a, nil
}

func (a *app) close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

func startCmd() *cobra.Command {
	var withKubernetes bool
	var cpus, memGiB, diskGiB int
	def := config.Default()

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create or boot the VM and provision docker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			hadConfig := config.Exists(dir)

			// Flags only count as a change against a previously saved
			// config; on first run they just shape the new VM.
			changed := false
			apply := func(name string, target *int, val int) {
				if !cmd.Flags().Changed(name) {
					return
				}
				if *target != val {
					*target = val
					changed = true
				}
			}
			apply("cpu", &cfg.CPUs, cpus)
			apply("memory", &cfg.MemoryGiB, memGiB)
			apply("disk", &cfg.DiskGiB, diskGiB)
			changed = changed && hadConfig
			if withKubernetes {
				cfg.Kubernetes = true
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(dir, cfg); err != nil {
				return err
			}

			a, err := newApp(cfg, dir)
			if err != nil {
				return err
			}
			defer a.close()
			return a.lifecycle.Start(context.Background(), cfg, changed)
		},
	}
	cmd.Flags().BoolVar(&withKubernetes, "with-kubernetes", false, "Also provision a kubernetes cluster")
	cmd.Flags().IntVar(&cpus, "cpu", def.CPUs, "Number of CPUs")
	cmd.Flags().IntVar(&memGiB, "memory", def.MemoryGiB, "Memory in GiB")
	cmd.Flags().IntVar(&diskGiB, "disk", def.DiskGiB, "Disk size in GiB")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the VM, draining docker first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, dir)
			if err != nil {
				return err
			}
			defer a.close()
			return a.lifecycle.Stop(context.Background())
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the VM and all its data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, dir)
			if err != nil {
				return err
			}
			defer a.close()
			return a.lifecycle.Delete(context.Background())
		},
	}
}

func statusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Health of the VM, docker, and kubernetes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, dir)
			if err != nil {
				return err
			}
			defer a.close()

			reporter := status.NewReporter(a.client, a.runner, a.docker, a.kube, cfg, dir)
			report := reporter.Run(context.Background())

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				for _, c := range report.Checks {
					mark := "OK"
					if !c.OK {
						mark = "FAIL"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, mark, c.Detail)
				}
				w.Flush()
			}

			if report.Failed() {
				return fmt.Errorf("%s is not healthy", cfg.Instance)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func sshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh [command...]",
		Short: "Shell into the VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, dir)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.lifecycle.AssertRunning(context.Background()); err != nil {
				return err
			}
			binary, err := lima.FindLimactl()
			if err != nil {
				return err
			}
			shellArgs := append([]string{"shell", cfg.Instance}, args...)
			return execReplace(binary, shellArgs...)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show vmdock and component versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("vmdock %s\n", version)

			cfg, dir, err := loadConfig()
			if err != nil {
				return nil
			}
			a, err := newApp(cfg, dir)
			if err != nil {
				return nil
			}
			defer a.close()

			reporter := status.NewReporter(a.client, a.runner, a.docker, a.kube, cfg, dir)
			v := reporter.Versions(context.Background())
			if v.Lima != "" {
				fmt.Printf("  %s\n", v.Lima)
			}
			if v.Docker != "" {
				fmt.Printf("  %s\n", v.Docker)
			}
			if v.Kubernetes != "" {
				fmt.Printf("  minikube %s\n", v.Kubernetes)
			}
			return nil
		},
	}
}
