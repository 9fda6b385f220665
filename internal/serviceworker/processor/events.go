package processor

import (
	"time"

	"github.com/zjrosen/swserver/internal/serviceworker/command"
)

// CommandErrorEvent is published when a command fails validation, routing or handling.
type CommandErrorEvent struct {
	CommandID   string
	CommandType command.CommandType
	Error       error
}

// CommandLogEvent is published after each command when the command log
// middleware is installed.
type CommandLogEvent struct {
	CommandID   string
	CommandType command.CommandType
	Source      command.CommandSource
	Success     bool
	Error       error
	Duration    time.Duration
	Timestamp   time.Time
	TraceID     string
}
