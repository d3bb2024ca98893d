package kubeconfig

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/vmdock/vmdock/internal/lima"
	"github.com/vmdock/vmdock/internal/runner"
	"k8s.io/client-go/tools/clientcmd"
)

const guestExportPath = "/tmp/vmdock-kubeconfig.yaml"

// The cluster advertises its guest-internal address; the VM runtime forwards
// the API port to the host loopback, so the endpoint is rewritten there.
var apiEndpoint = regexp.MustCompile(`https://.*:8443`)

// Merger merges the in-VM cluster's kubeconfig into the host's kubeconfig
// without clobbering unrelated entries.
type Merger struct {
	client   lima.Client
	runner   runner.Runner
	baseDir  string
	instance string
	hostPath string
	kubectl  string
}

func NewMerger(client lima.Client, r runner.Runner, baseDir, instance string) *Merger {
	return &Merger{
		client:   client,
		runner:   r,
		baseDir:  baseDir,
		instance: instance,
		hostPath: clientcmd.RecommendedHomeFile,
	}
}

func (m *Merger) markerPath() string {
	return filepath.Join(m.baseDir, ".kubeconfig-merged")
}

func (m *Merger) kubectlPath() (string, error) {
	if m.kubectl != "" {
		return m.kubectl, nil
	}
	path, err := runner.LookPath("kubectl", "install it with 'brew install kubectl'")
	if err != nil {
		return "", err
	}
	m.kubectl = path
	return path, nil
}

// Provision extracts, rewrites, and merges the cluster kubeconfig. It runs
// once per instance lifetime; the marker skips it on later starts.
func (m *Merger) Provision(ctx context.Context) error {
	if _, err := os.Stat(m.markerPath()); err == nil {
		return nil
	}

	kubectl, err := m.kubectlPath()
	if err != nil {
		return err
	}

	fmt.Println("Merging kubeconfig...")

	// Flatten inside the guest so certificate references are inlined.
	_, err = m.client.Exec(ctx, lima.ExecOptions{
		Instance: m.instance,
		Command:  "sudo",
		Args:     []string{"sh", "-c", "minikube kubectl -- config view --flatten > " + guestExportPath},
		Timeout:  time.Minute,
	})
	if err != nil {
		return fmt.Errorf("flattening cluster kubeconfig: %w", err)
	}

	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return err
	}
	local := filepath.Join(m.baseDir, "kubeconfig.yaml")
	if err := m.client.CopyFromGuest(ctx, m.instance, guestExportPath, local); err != nil {
		return fmt.Errorf("copying kubeconfig from guest: %w", err)
	}

	data, err := os.ReadFile(local)
	if err != nil {
		return fmt.Errorf("reading copied kubeconfig: %w", err)
	}
	data = apiEndpoint.ReplaceAll(data, []byte("https://127.0.0.1:8443"))
	data = renameEntries(data, m.instance)

	// Reject a document the merge step would silently corrupt.
	if _, err := clientcmd.Load(data); err != nil {
		return fmt.Errorf("parsing rewritten kubeconfig: %w", err)
	}
	if err := os.WriteFile(local, data, 0600); err != nil {
		return fmt.Errorf("writing rewritten kubeconfig: %w", err)
	}

	// The kube CLI owns conflict resolution for duplicate names; the rename
	// above keeps this instance's names distinct.
	searchPath := m.hostPath + string(os.PathListSeparator) + local
	merged, err := m.runner.Output(ctx, runner.Cmd{
		Path: kubectl,
		Args: []string{"config", "view", "--flatten"},
		Env:  []string{"KUBECONFIG=" + searchPath},
	})
	if err != nil {
		return fmt.Errorf("merging kubeconfig: %w", err)
	}
	if err := m.validateMerged([]byte(merged)); err != nil {
		return err
	}

	if err := m.backupHostConfig(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.hostPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(m.hostPath, []byte(merged), 0600); err != nil {
		return fmt.Errorf("writing merged kubeconfig: %w", err)
	}

	err = m.runner.Run(ctx, runner.Cmd{
		Path: kubectl,
		Args: []string{"config", "use-context", m.instance},
		Env:  []string{"KUBECONFIG=" + m.hostPath},
	})
	if err != nil {
		return fmt.Errorf("switching context to %s: %w", m.instance, err)
	}

	if err := writeMarker(m.markerPath()); err != nil {
		return err
	}
	os.Remove(local)
	_, _ = m.client.Exec(ctx, lima.ExecOptions{
		Instance: m.instance,
		Command:  "sudo",
		Args:     []string{"rm", "-f", guestExportPath},
		Timeout:  15 * time.Second,
	})
	return nil
}

// renameEntries replaces the distribution's default entry names with the
// instance name. The provider extension in the document carries a reserved
// API-group name sharing that substring; the second pass restores it.
func renameEntries(data []byte, instance string) []byte {
	renamed := bytes.ReplaceAll(data, []byte("minikube"), []byte(instance))
	return bytes.ReplaceAll(renamed, []byte(instance+".sigs.k8s.io"), []byte("minikube.sigs.k8s.io"))
}

// The merged document must contain the new context and keep every context
// the host already had.
func (m *Merger) validateMerged(data []byte) error {
	merged, err := clientcmd.Load(data)
	if err != nil {
		return fmt.Errorf("parsing merged kubeconfig: %w", err)
	}
	if _, ok := merged.Contexts[m.instance]; !ok {
		return fmt.Errorf("merged kubeconfig is missing the %q context", m.instance)
	}
	prior, err := clientcmd.LoadFromFile(m.hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading host kubeconfig: %w", err)
	}
	for name := range prior.Contexts {
		if _, ok := merged.Contexts[name]; !ok {
			return fmt.Errorf("merge would drop existing context %q", name)
		}
	}
	return nil
}

func (m *Merger) backupHostConfig() error {
	data, err := os.ReadFile(m.hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading host kubeconfig: %w", err)
	}
	backup := m.hostPath + ".bak-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backup, data, 0600); err != nil {
		return fmt.Errorf("backing up host kubeconfig: %w", err)
	}
	return nil
}

// Teardown removes the instance's entries from the host kubeconfig. Safe to
// call when they never existed.
func (m *Merger) Teardown(ctx context.Context) error {
	if err := os.Remove(m.markerPath()); err != nil && !os.IsNotExist(err) {
		return err
	}

	hostCfg, err := clientcmd.LoadFromFile(m.hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading host kubeconfig: %w", err)
	}

	var keys []string
	if _, ok := hostCfg.Contexts[m.instance]; ok {
		keys = append(keys, "contexts."+m.instance)
	}
	if _, ok := hostCfg.Clusters[m.instance]; ok {
		keys = append(keys, "clusters."+m.instance)
	}
	if _, ok := hostCfg.AuthInfos[m.instance]; ok {
		keys = append(keys, "users."+m.instance)
	}
	if len(keys) == 0 && hostCfg.CurrentContext != m.instance {
		return nil
	}

	kubectl, err := m.kubectlPath()
	if err != nil {
		return err
	}
	env := []string{"KUBECONFIG=" + m.hostPath}
	for _, key := range keys {
		err := m.runner.Run(ctx, runner.Cmd{Path: kubectl, Args: []string{"config", "unset", key}, Env: env})
		if err != nil {
			return fmt.Errorf("unsetting %s: %w", key, err)
		}
	}
	if hostCfg.CurrentContext == m.instance {
		err := m.runner.Run(ctx, runner.Cmd{Path: kubectl, Args: []string{"config", "unset", "current-context"}, Env: env})
		if err != nil {
			return fmt.Errorf("unsetting current-context: %w", err)
		}
	}
	return nil
}

func writeMarker(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)+"\n"), 0644)
}
