package server

import (
	"cmp"
	"net/url"
	"slices"
	"time"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// Snapshot is a point-in-time view of the coordinator.
type Snapshot struct {
	Registrations      []RegistrationSnapshot `json:"registrations"`
	Workers            []WorkerSnapshot       `json:"workers"`
	Queues             []QueueSnapshot        `json:"queues"`
	Origins            map[string]int         `json:"origins"`
	Connections        int                    `json:"connections"`
	ContextConnections int                    `json:"context_connections"`
	PendingContextData int                    `json:"pending_context_data"`
	TakenAt            time.Time              `json:"taken_at"`
}

// RegistrationSnapshot adds server-side bookkeeping to RegistrationData.
type RegistrationSnapshot struct {
	types.RegistrationData
	Uninstalling bool `json:"uninstalling"`
	Handles      int  `json:"handles"`
	Clients      int  `json:"clients"`
}

// WorkerSnapshot is a worker with its runtime bookkeeping.
type WorkerSnapshot struct {
	types.WorkerData
	Running       bool `json:"running"`
	PendingEvents int  `json:"pending_events"`
}

// QueueSnapshot describes one scope's job queue.
type QueueSnapshot struct {
	Key        types.RegistrationKey    `json:"key"`
	State      QueueState               `json:"state"`
	Depth      int                      `json:"depth"`
	CurrentJob *types.JobDataIdentifier `json:"current_job,omitempty"`
}

// getRegistrations lists live registrations sharing clientURL's origins,
// oldest first.
func (s *Server) getRegistrations(topOrigin types.SecurityOrigin, clientURL *url.URL) []types.RegistrationData {
	var matches []*Registration
	for _, reg := range s.registrations {
		if reg.uninstalling || !reg.key.OriginIsMatching(topOrigin, clientURL) {
			continue
		}
		matches = append(matches, reg)
	}
	slices.SortFunc(matches, func(a, b *Registration) int {
		return cmp.Compare(a.sequence, b.sequence)
	})

	out := make([]types.RegistrationData, 0, len(matches))
	for _, reg := range matches {
		out = append(out, s.registrationData(reg))
	}
	return out
}

// matchRegistration picks the live registration with the longest scope that
// prefixes clientURL.
func (s *Server) matchRegistration(topOrigin types.SecurityOrigin, clientURL *url.URL) *types.RegistrationData {
	var best *Registration
	for _, reg := range s.registrations {
		if reg.uninstalling || !reg.key.IsMatching(topOrigin, clientURL) {
			continue
		}
		if best == nil || reg.key.MoreSpecificThan(best.key) {
			best = reg
		}
	}
	if best == nil {
		return nil
	}
	data := s.registrationData(best)
	return &data
}

func (s *Server) snapshot() Snapshot {
	snap := Snapshot{
		Origins:            make(map[string]int, len(s.originStore)),
		Connections:        len(s.connections),
		ContextConnections: len(s.contextConnections),
		PendingContextData: len(s.pendingContextDatas),
		TakenAt:            time.Now(),
	}

	regs := make([]*Registration, 0, len(s.registrations))
	for _, reg := range s.registrations {
		regs = append(regs, reg)
	}
	slices.SortFunc(regs, func(a, b *Registration) int {
		return cmp.Compare(a.sequence, b.sequence)
	})
	for _, reg := range regs {
		handles := 0
		for _, n := range reg.handles {
			handles += n
		}
		snap.Registrations = append(snap.Registrations, RegistrationSnapshot{
			RegistrationData: s.registrationData(reg),
			Uninstalling:     reg.uninstalling,
			Handles:          handles,
			Clients:          len(reg.clients),
		})
	}

	for _, id := range sortedKeys(s.workers) {
		w := s.workers[id]
		snap.Workers = append(snap.Workers, WorkerSnapshot{
			WorkerData:    w.data(),
			Running:       w.running,
			PendingEvents: w.pendingEvents,
		})
	}

	for _, key := range sortedRegistrationKeys(s.jobQueues) {
		q := s.jobQueues[key]
		qs := QueueSnapshot{Key: key, State: q.state, Depth: len(q.jobs)}
		if head, ok := q.current(); ok {
			id := head.Identifier
			qs.CurrentJob = &id
		}
		snap.Queues = append(snap.Queues, qs)
	}

	for origin, n := range s.originStore {
		snap.Origins[origin.String()] = n
	}
	return snap
}

// clearRegistrations force-removes every registration under origin (nil for all) and
// rejects the jobs queued for them. It returns how many registrations went.
func (s *Server) clearRegistrations(origin *types.SecurityOrigin) int {
	matches := func(key types.RegistrationKey) bool {
		if origin == nil {
			return true
		}
		return key.TopOrigin.SameOrigin(*origin) || key.ScopeOrigin().SameOrigin(*origin)
	}

	for _, key := range sortedRegistrationKeys(s.jobQueues) {
		if !matches(key) {
			continue
		}
		q := s.jobQueues[key]
		q.disarm()
		for i, job := range q.jobs {
			// The head's promise is already resolved once installation began.
			if i == 0 && q.state == QueueAwaitingInstallResolution {
				continue
			}
			s.rejectJob(job, types.NewException(types.LifecycleConflict, "Registration was cleared"))
		}
		if w, ok := s.workers[q.installingWorker]; ok && q.state == QueueAwaitingContextStart {
			w.state = types.WorkerRedundant
			s.forceTerminateWorker(w)
		}
		delete(s.jobQueues, key)
	}

	cleared := 0
	for _, key := range sortedRegistrationKeys(s.registrations) {
		if !matches(key) {
			continue
		}
		s.clearRegistration(s.registrations[key])
		cleared++
	}

	log.Info(log.CatServer, "Registrations cleared", "count", cleared, "origin", originLabel(origin))
	return cleared
}

func originLabel(origin *types.SecurityOrigin) string {
	if origin == nil {
		return "*"
	}
	return origin.String()
}

func sortKeys(keys []types.RegistrationKey) {
	slices.SortFunc(keys, func(a, b types.RegistrationKey) int {
		return cmp.Compare(a.String(), b.String())
	})
}
