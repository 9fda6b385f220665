package server

import (
	"time"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/serviceworker/command"
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

type watchdogStage string

const (
	watchdogFetch        watchdogStage = "fetch"
	watchdogContextStart watchdogStage = "context_start"
	watchdogInstall      watchdogStage = "install"
)

func (s *Server) timeoutFor(stage watchdogStage) time.Duration {
	switch stage {
	case watchdogFetch:
		return s.timeouts.Fetch
	case watchdogContextStart:
		return s.timeouts.ContextStart
	case watchdogInstall:
		return s.timeouts.Install
	default:
		return 0
	}
}

// armWatchdog starts a new stage for q. Any earlier watchdog becomes stale.
func (s *Server) armWatchdog(q *JobQueue, job types.JobData, stage watchdogStage) {
	q.disarm()
	timeout := s.timeoutFor(stage)
	if timeout <= 0 {
		return
	}
	key, gen := q.key, q.generation
	q.timer = time.AfterFunc(timeout, func() {
		if err := s.submit(command.NewWatchdogExpiredCommand(key, job.Identifier, gen)); err != nil {
			log.Debug(log.CatJobs, "watchdog fired after shutdown", "job", job.Identifier.String(), "error", err.Error())
		}
	})
}

// disarm stops the pending watchdog and invalidates any already in flight.
func (q *JobQueue) disarm() {
	q.generation++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (s *Server) watchdogExpired(key types.RegistrationKey, jobID types.JobDataIdentifier, generation uint64) {
	q, ok := s.jobQueues[key]
	if !ok || q.generation != generation {
		return
	}
	job, ok := q.current()
	if !ok || job.Identifier != jobID {
		return
	}
	q.timer = nil

	switch q.state {
	case QueueAwaitingFetch:
		if q.fetched {
			return
		}
		s.metrics.watchdogFired.WithLabelValues(string(watchdogFetch)).Inc()
		log.Warn(log.CatJobs, "Script fetch timed out", "job", jobID.String(), "timeout", s.timeouts.Fetch)
		s.scriptFetchFailed(q, job, types.NewException(types.ScriptFetchError,
			"Script URL %s fetch timed out after %s", job.ScriptURL, s.timeouts.Fetch))

	case QueueAwaitingContextStart:
		w, ok := s.workers[q.installingWorker]
		if !ok {
			return
		}
		s.metrics.watchdogFired.WithLabelValues(string(watchdogContextStart)).Inc()
		s.contextStartFailed(q, w, "Worker context did not start within "+s.timeouts.ContextStart.String(), false)

	case QueueAwaitingInstallResolution:
		w, ok := s.workers[q.installingWorker]
		if !ok {
			return
		}
		s.metrics.watchdogFired.WithLabelValues(string(watchdogInstall)).Inc()
		log.Warn(log.CatJobs, "Install timed out", "worker", w.id, "timeout", s.timeouts.Install)
		s.finishInstall(q, w, false)
	}
}
