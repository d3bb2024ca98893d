package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Cmd is a single host command invocation. Env entries are appended to the
// current process environment.
type Cmd struct {
	Path string
	Args []string
	Env  []string
}

func Command(path string, args ...string) Cmd {
	return Cmd{Path: path, Args: args}
}

func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Runner executes commands on the host. Everything that talks to the VM
// runtime, the container engine, or the kube CLI goes through here.
type Runner interface {
	Run(ctx context.Context, c Cmd) error
	Output(ctx context.Context, c Cmd) (string, error)
}

// Exec runs commands with exec.CommandContext, echoing each invocation and
// its stderr to the log sink.
type Exec struct {
	log io.Writer
}

func NewExec(log io.Writer) *Exec {
	if log == nil {
		log = io.Discard
	}
	return &Exec{log: log}
}

func (e *Exec) Run(ctx context.Context, c Cmd) error {
	_, err := e.run(ctx, c, false)
	return err
}

func (e *Exec) Output(ctx context.Context, c Cmd) (string, error) {
	return e.run(ctx, c, true)
}

func (e *Exec) run(ctx context.Context, c Cmd, capture bool) (string, error) {
	fmt.Fprintf(e.log, "+ %s\n", c)

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	if capture {
		cmd.Stdout = &stdout
	} else {
		cmd.Stdout = e.log
	}
	cmd.Stderr = io.MultiWriter(e.log, &stderr)

	if err := cmd.Run(); err != nil {
		name := filepath.Base(c.Path)
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s %s failed: %w\nstderr: %s", name, strings.Join(c.Args, " "), err, msg)
		}
		return "", fmt.Errorf("%s %s failed: %w", name, strings.Join(c.Args, " "), err)
	}
	return stdout.String(), nil
}

// LookPath resolves a required host binary, attaching an install hint to the
// error so the user knows how to fix a missing dependency.
func LookPath(name, hint string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH (%s): %w", name, hint, err)
	}
	return path, nil
}
