// Package models contains the data structures used throughout autosan.
package models

import "time"

// AppConfig holds the complete configuration for an operator run.
type AppConfig struct {
	Target  Target
	Remote  RemoteSettings
	Probe   ProbeConfig
	Reboot  RebootSettings
	WOL     *WOLConfig // nil if not configured
	ESXi    ESXiConfig
	MLX     MLXConfig
	ZFS     *ZFSConfig     // nil if not configured
	TrueNAS *TrueNASConfig // nil if not configured
	ISER    ISERConfig
	Tasks   []TaskScript
}

// RemoteSettings controls what the session manager prepares on the far end.
type RemoteSettings struct {
	ScriptDir          string   // remote directory receiving the manifest
	LocalDir           string   // base directory for relative manifest entries
	Manifest           []string // files uploaded after connecting
	VenvInterpreter    string   // preferred interpreter if present remotely
	DefaultInterpreter string   // fallback interpreter name
	PromptSuffixes     string   // trailing characters treated as a prompt
}

// ProbeConfig controls host liveness checks.
type ProbeConfig struct {
	Method       string        // "tcp" (default) or "icmp"
	Port         int           // tcp port, defaults to 22
	Timeout      time.Duration // per-attempt bound
	PollInterval time.Duration // delay between attempts
}

// RebootSettings controls the reboot orchestrator.
type RebootSettings struct {
	LocalCommand  string
	RemoteCommand string
	WaitTimeout   time.Duration
	InitialDelay  time.Duration // pause before the first liveness probe
}

// TaskScript is a dependent script run through the detected interpreter.
type TaskScript struct {
	Name        string
	Description string
	Script      string // path relative to the manifest root
	Interactive bool
	OfferReboot bool
}
