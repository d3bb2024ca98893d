package runner

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestCmdString(t *testing.T) {
	c := Command("docker", "version", "--format", "{{.Server.Version}}")
	want := "docker version --format {{.Server.Version}}"
	if c.String() != want {
		t.Errorf("expected %q, got %q", want, c.String())
	}

	bare := Command("limactl")
	if bare.String() != "limactl" {
		t.Errorf("expected bare path, got %q", bare.String())
	}
}

func TestExecOutput(t *testing.T) {
	var log bytes.Buffer
	e := NewExec(&log)
	ctx := context.Background()

	out, err := e.Output(ctx, Command("echo", "hello"))
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("expected hello, got %q", out)
	}
	if !strings.Contains(log.String(), "+ echo hello") {
		t.Errorf("expected command echo in log, got %q", log.String())
	}
}

func TestExecRunFailure(t *testing.T) {
	e := NewExec(nil)
	ctx := context.Background()

	err := e.Run(ctx, Command("false"))
	if err == nil {
		t.Fatal("expected error from false")
	}
	if !strings.Contains(err.Error(), "false") {
		t.Errorf("expected command name in error, got %v", err)
	}
}

func TestExecEnv(t *testing.T) {
	e := NewExec(nil)
	ctx := context.Background()

	out, err := e.Output(ctx, Cmd{
		Path: "sh",
		Args: []string{"-c", "echo $VMDOCK_TEST_VAR"},
		Env:  []string{"VMDOCK_TEST_VAR=forwarded"},
	})
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if strings.TrimSpace(out) != "forwarded" {
		t.Errorf("expected forwarded, got %q", out)
	}
}

func TestMockRecords(t *testing.T) {
	m := &Mock{}
	ctx := context.Background()

	m.Run(ctx, Command("launchctl", "load", "/tmp/x.plist"))
	out, err := m.Output(ctx, Command("kubectl", "config", "view"))
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if out != "" {
		t.Errorf("expected empty output without Fn, got %q", out)
	}

	if len(m.Calls) != 2 {
		t.Fatalf("expected 2 recorded calls, got %d", len(m.Calls))
	}
	if m.Calls[0].Path != "launchctl" {
		t.Errorf("expected launchctl first, got %s", m.Calls[0].Path)
	}

	m.Reset()
	if len(m.Calls) != 0 {
		t.Error("expected no calls after Reset")
	}
}

func TestMockFn(t *testing.T) {
	m := &Mock{
		Fn: func(c Cmd) (string, error) {
			if c.Path == "kubectl" {
				return "merged", nil
			}
			return "", nil
		},
	}
	ctx := context.Background()

	out, err := m.Output(ctx, Command("kubectl", "config", "view", "--flatten"))
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if out != "merged" {
		t.Errorf("expected merged, got %q", out)
	}
}

func TestLookPath(t *testing.T) {
	if _, err := LookPath("sh", "should always exist"); err != nil {
		t.Fatalf("expected sh in PATH: %v", err)
	}

	_, err := LookPath("definitely-not-a-real-binary-xyz", "install it with 'brew install xyz'")
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if !strings.Contains(err.Error(), "brew install xyz") {
		t.Errorf("expected install hint in error, got %v", err)
	}
}
