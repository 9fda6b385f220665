package server

import (
	"context"
	"fmt"

	"github.com/zjrosen/swserver/internal/serviceworker/command"
	"github.com/zjrosen/swserver/internal/serviceworker/processor"
)

// handle adapts a control-goroutine function to a CommandHandler, collecting
// the follow-ups and events it produced into the result.
func (s *Server) handle(fn func(cmd command.Command) (any, error)) processor.CommandHandler {
	return processor.HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
		s.fx = effects{}
		data, err := fn(cmd)
		s.updateGauges()
		fx := s.fx
		s.fx = effects{}

		if err != nil {
			return &command.CommandResult{
				Success:  false,
				Error:    err,
				Events:   fx.events,
				FollowUp: fx.followUps,
			}, nil
		}
		return &command.CommandResult{
			Success:  true,
			Data:     data,
			Events:   fx.events,
			FollowUp: fx.followUps,
		}, nil
	})
}

func unexpected(cmd command.Command) error {
	return fmt.Errorf("unexpected command %T for %s", cmd, cmd.Type())
}

func (s *Server) registerHandlers() {
	on := func(t command.CommandType, fn func(cmd command.Command) (any, error)) {
		s.proc.RegisterHandler(t, s.handle(fn))
	}

	// Connections

	on(command.CmdRegisterConnection, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.RegisterConnectionCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.registerConnection(c.Connection)
		return nil, nil
	})
	on(command.CmdUnregisterConnection, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.UnregisterConnectionCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.unregisterConnection(c.ConnectionID)
		return nil, nil
	})
	on(command.CmdRegisterContextConnection, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.RegisterContextConnectionCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.registerContextConnection(c.Connection)
		return nil, nil
	})
	on(command.CmdUnregisterContextConnection, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.UnregisterContextConnectionCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.unregisterContextConnection(c.ConnectionID)
		return nil, nil
	})

	// Jobs

	on(command.CmdScheduleJob, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.ScheduleJobCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		return nil, s.scheduleJob(c.Job)
	})
	on(command.CmdRunNextJob, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.RunNextJobCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.runNextJob(c.Key)
		return nil, nil
	})
	on(command.CmdScriptFetchFinished, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.ScriptFetchFinishedCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.scriptFetchFinished(c.ConnectionID, c.Result)
		return nil, nil
	})
	on(command.CmdDidResolveRegistrationPromise, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.DidResolveRegistrationPromiseCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.didResolveRegistrationPromise(c.ConnectionID, c.Key)
		return nil, nil
	})
	on(command.CmdDrainTaskReplies, func(cmd command.Command) (any, error) {
		for _, reply := range s.tasks.takeReplies() {
			reply()
		}
		return nil, nil
	})
	on(command.CmdWatchdogExpired, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.WatchdogExpiredCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.watchdogExpired(c.Key, c.Job, c.Generation)
		return nil, nil
	})

	// Execution contexts

	on(command.CmdScriptContextStarted, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.ScriptContextStartedCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.scriptContextStarted(c.Job, c.Worker)
		return nil, nil
	})
	on(command.CmdScriptContextFailedToStart, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.ScriptContextFailedToStartCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.scriptContextFailedToStart(c.Job, c.Worker, c.Message)
		return nil, nil
	})
	on(command.CmdDidFinishInstall, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.DidFinishInstallCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.didFinishInstall(c.Job, c.Worker, c.Succeeded)
		return nil, nil
	})
	on(command.CmdDidFinishActivation, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.DidFinishActivationCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.didFinishActivation(c.Worker)
		return nil, nil
	})
	on(command.CmdSetPendingEventCount, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.SetPendingEventCountCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.setPendingEventCount(c.Worker, c.Count)
		return nil, nil
	})
	on(command.CmdWorkerContextTerminated, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.WorkerContextTerminatedCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.workerContextTerminated(c.Worker)
		return nil, nil
	})

	// Client usage

	clientRegistration := func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.ClientRegistrationCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		if c.Type() == command.CmdAddClientRegistration {
			s.addClientRegistration(c.ConnectionID, c.Registration)
		} else {
			s.removeClientRegistration(c.ConnectionID, c.Registration)
		}
		return nil, nil
	}
	on(command.CmdAddClientRegistration, clientRegistration)
	on(command.CmdRemoveClientRegistration, clientRegistration)

	controlledClient := func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.ControlledClientCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		if c.Type() == command.CmdStartedControllingClient {
			return nil, s.startedControllingClient(c.ConnectionID, c.Worker, c.Client)
		}
		s.stoppedControllingClient(c.ConnectionID, c.Worker, c.Client)
		return nil, nil
	}
	on(command.CmdStartedControllingClient, controlledClient)
	on(command.CmdStoppedControllingClient, controlledClient)

	// Queries

	on(command.CmdGetRegistrations, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.RegistrationQueryCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		return s.getRegistrations(c.TopOrigin, c.ClientURL), nil
	})
	on(command.CmdMatchRegistration, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.RegistrationQueryCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		return s.matchRegistration(c.TopOrigin, c.ClientURL), nil
	})
	on(command.CmdSnapshot, func(cmd command.Command) (any, error) {
		return s.snapshot(), nil
	})

	// Administration

	on(command.CmdClear, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.ClearCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		return s.clearRegistrations(c.Origin), nil
	})
	on(command.CmdUpdateTimeouts, func(cmd command.Command) (any, error) {
		c, ok := cmd.(*command.UpdateTimeoutsCommand)
		if !ok {
			return nil, unexpected(cmd)
		}
		s.timeouts = Timeouts{
			Fetch:        c.FetchTimeout,
			ContextStart: c.ContextStartTimeout,
			Install:      c.InstallTimeout,
		}
		return nil, nil
	})
	on(command.CmdBarrier, func(cmd command.Command) (any, error) {
		return nil, nil
	})
}
