package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/vmdock/vmdock/internal/runner"
)

// Label identifies the supervisor entry that keeps the socket forward alive.
const Label = "com.vmdock.tunnel"

const (
	remoteSocket = "/var/run/docker.sock"
	// Minimum seconds between restarts. Keeps a crash loop from hammering
	// the host while the VM is down.
	throttleSeconds = 5
)

var scriptTemplate = template.Must(template.New("script").Parse(`#!/bin/sh
# Generated by vmdock. Supervised by launchd; do not run directly.
rm -f {{.SocketPath}}
exec ssh -p {{.SSHPort}} -i {{.IdentityFile}} \
	-o StrictHostKeyChecking=no \
	-o UserKnownHostsFile=/dev/null \
	-o IdentitiesOnly=yes \
	-o ExitOnForwardFailure=yes \
	-N -L {{.SocketPath}}:{{.RemoteSocket}} 127.0.0.1
`))

var plistTemplate = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>/bin/sh</string>
		<string>{{.ScriptPath}}</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>ThrottleInterval</key>
	<integer>{{.ThrottleSeconds}}</integer>
	<key>StandardOutPath</key>
	<string>{{.LogPath}}</string>
	<key>StandardErrorPath</key>
	<string>{{.LogPath}}</string>
</dict>
</plist>
`))

type scriptParams struct {
	SocketPath   string
	RemoteSocket string
	SSHPort      int
	IdentityFile string
}

func (p scriptParams) validate() error {
	if p.SocketPath == "" || p.RemoteSocket == "" {
		return fmt.Errorf("invalid tunnel script: socket paths must not be empty")
	}
	if p.IdentityFile == "" {
		return fmt.Errorf("invalid tunnel script: identity file must not be empty")
	}
	if p.SSHPort < 1 || p.SSHPort > 65535 {
		return fmt.Errorf("invalid tunnel script: ssh port must be in 1..65535, got %d", p.SSHPort)
	}
	return nil
}

type plistParams struct {
	Label           string
	ScriptPath      string
	LogPath         string
	ThrottleSeconds int
}

func (p plistParams) validate() error {
	if p.Label == "" || p.ScriptPath == "" || p.LogPath == "" {
		return fmt.Errorf("invalid supervisor entry: label and paths must not be empty")
	}
	if p.ThrottleSeconds < 1 {
		return fmt.Errorf("invalid supervisor entry: throttle must be at least 1s, got %d", p.ThrottleSeconds)
	}
	return nil
}

// Tunnel forwards the guest's docker socket to a host Unix socket over SSH
// and registers the forward with launchd so it survives reboots.
type Tunnel struct {
	runner    runner.Runner
	baseDir   string
	agentsDir string
	sshPort   int
	identity  string
}

func New(r runner.Runner, baseDir, agentsDir string, sshPort int) *Tunnel {
	home, _ := os.UserHomeDir()
	return &Tunnel{
		runner:    r,
		baseDir:   baseDir,
		agentsDir: agentsDir,
		sshPort:   sshPort,
		identity:  filepath.Join(home, ".lima", "_config", "user"),
	}
}

func LaunchAgentsDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents")
}

func (t *Tunnel) ScriptPath() string {
	return filepath.Join(t.baseDir, "tunnel.sh")
}

func (t *Tunnel) PlistPath() string {
	return filepath.Join(t.agentsDir, Label+".plist")
}

func (t *Tunnel) SocketPath() string {
	return filepath.Join(t.baseDir, "docker.sock")
}

// WriteFiles renders the forward script and its supervisor entry.
// Regeneration over existing files is harmless.
func (t *Tunnel) WriteFiles() error {
	sp := scriptParams{
		SocketPath:   t.SocketPath(),
		RemoteSocket: remoteSocket,
		SSHPort:      t.sshPort,
		IdentityFile: t.identity,
	}
	if err := sp.validate(); err != nil {
		return err
	}
	var script bytes.Buffer
	if err := scriptTemplate.Execute(&script, sp); err != nil {
		return fmt.Errorf("rendering tunnel script: %w", err)
	}

	pp := plistParams{
		Label:           Label,
		ScriptPath:      t.ScriptPath(),
		LogPath:         filepath.Join(t.baseDir, "tunnel.log"),
		ThrottleSeconds: throttleSeconds,
	}
	if err := pp.validate(); err != nil {
		return err
	}
	var plist bytes.Buffer
	if err := plistTemplate.Execute(&plist, pp); err != nil {
		return fmt.Errorf("rendering supervisor entry: %w", err)
	}

	if err := os.MkdirAll(t.baseDir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(t.ScriptPath(), script.Bytes(), 0755); err != nil {
		return fmt.Errorf("writing tunnel script: %w", err)
	}
	if err := os.MkdirAll(t.agentsDir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(t.PlistPath(), plist.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing supervisor entry: %w", err)
	}
	return nil
}

// Loaded reports whether the supervisor currently knows the entry.
func (t *Tunnel) Loaded(ctx context.Context) bool {
	err := t.runner.Run(ctx, runner.Command("launchctl", "list", Label))
	return err == nil
}

func (t *Tunnel) Register(ctx context.Context) error {
	// Reload cleanly if a stale entry is still around.
	_ = t.runner.Run(ctx, runner.Command("launchctl", "unload", t.PlistPath()))
	if err := t.runner.Run(ctx, runner.Command("launchctl", "load", t.PlistPath())); err != nil {
		return fmt.Errorf("loading tunnel supervisor entry: %w", err)
	}
	return nil
}

// Unregister unloads the supervisor entry. Safe to call when the entry was
// never written or never loaded.
func (t *Tunnel) Unregister(ctx context.Context) error {
	if _, err := os.Stat(t.PlistPath()); os.IsNotExist(err) {
		return nil
	}
	if !t.Loaded(ctx) {
		return nil
	}
	if err := t.runner.Run(ctx, runner.Command("launchctl", "unload", t.PlistPath())); err != nil {
		return fmt.Errorf("unloading tunnel supervisor entry: %w", err)
	}
	return nil
}

// Teardown unloads the entry and removes the supervisor file. The generated
// script stays; the next provision run rewrites it anyway.
func (t *Tunnel) Teardown(ctx context.Context) error {
	if err := t.Unregister(ctx); err != nil {
		return err
	}
	err := os.Remove(t.PlistPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
