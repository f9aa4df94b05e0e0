package models

import "time"

// Command is a single invocation on a local or remote host.
type Command struct {
	Text        string
	Interactive bool
	Env         []string // extra KEY=VALUE pairs
}

// CommandResult holds the outcome of a command.
type CommandResult struct {
	Transcript   string
	Stderr       string
	ExitCode     int
	Disconnected bool // the channel dropped before an exit status arrived
	Duration     time.Duration
}

// Succeeded reports a clean zero exit.
func (r *CommandResult) Succeeded() bool {
	return r != nil && !r.Disconnected && r.ExitCode == 0
}
