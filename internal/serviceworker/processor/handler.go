package processor

import (
	"context"
	"errors"

	"github.com/zjrosen/swserver/internal/serviceworker/command"
)

// ErrUnknownCommandType is returned when no handler is registered for a command type.
var ErrUnknownCommandType = errors.New("unknown command type")

// ErrNotRunning is returned by Submit when the processor is not accepting commands.
var ErrNotRunning = errors.New("command processor is not running")

// CommandHandler executes one command on the processor goroutine.
type CommandHandler interface {
	Handle(ctx context.Context, cmd command.Command) (*command.CommandResult, error)
}

// HandlerFunc adapts a function to CommandHandler.
type HandlerFunc func(ctx context.Context, cmd command.Command) (*command.CommandResult, error)

// Handle calls f(ctx, cmd).
func (f HandlerFunc) Handle(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
	return f(ctx, cmd)
}
