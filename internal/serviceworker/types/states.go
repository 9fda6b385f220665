package types

import "fmt"

// WorkerState is the lifecycle state of a service worker version.
type WorkerState int

const (
	WorkerParsed WorkerState = iota
	WorkerInstalling
	WorkerInstalled
	WorkerActivating
	WorkerActivated
	WorkerRedundant
)

func (s WorkerState) String() string {
	switch s {
	case WorkerParsed:
		return "parsed"
	case WorkerInstalling:
		return "installing"
	case WorkerInstalled:
		return "installed"
	case WorkerActivating:
		return "activating"
	case WorkerActivated:
		return "activated"
	case WorkerRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *WorkerState) UnmarshalText(text []byte) error {
	for candidate := WorkerParsed; candidate <= WorkerRedundant; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("invalid worker state %q", text)
}

// CanTransitionTo reports whether moving from s to next respects the
// monotonic lifecycle. Redundant is reachable from anywhere and never left.
func (s WorkerState) CanTransitionTo(next WorkerState) bool {
	if s == WorkerRedundant {
		return false
	}
	if next == WorkerRedundant {
		return true
	}
	return next > s
}

// RegistrationSlot names one of the three worker slots of a registration.
type RegistrationSlot int

const (
	SlotInstalling RegistrationSlot = iota
	SlotWaiting
	SlotActive
)

func (s RegistrationSlot) String() string {
	switch s {
	case SlotInstalling:
		return "installing"
	case SlotWaiting:
		return "waiting"
	case SlotActive:
		return "active"
	default:
		return "unknown"
	}
}

// MarshalText renders the slot name in JSON.
func (s RegistrationSlot) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a slot name.
func (s *RegistrationSlot) UnmarshalText(text []byte) error {
	for candidate := SlotInstalling; candidate <= SlotActive; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("invalid registration slot %q", text)
}

// UpdateViaCache controls whether script fetches may use the HTTP cache.
type UpdateViaCache int

const (
	UpdateViaCacheImports UpdateViaCache = iota
	UpdateViaCacheAll
	UpdateViaCacheNone
)

func (u UpdateViaCache) String() string {
	switch u {
	case UpdateViaCacheImports:
		return "imports"
	case UpdateViaCacheAll:
		return "all"
	case UpdateViaCacheNone:
		return "none"
	default:
		return "unknown"
	}
}

// MarshalText renders the policy name in JSON.
func (u UpdateViaCache) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText parses a policy name.
func (u *UpdateViaCache) UnmarshalText(text []byte) error {
	v, err := ParseUpdateViaCache(string(text))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// ParseUpdateViaCache accepts "imports" (default), "all" or "none".
func ParseUpdateViaCache(s string) (UpdateViaCache, error) {
	switch s {
	case "", "imports":
		return UpdateViaCacheImports, nil
	case "all":
		return UpdateViaCacheAll, nil
	case "none":
		return UpdateViaCacheNone, nil
	default:
		return UpdateViaCacheImports, fmt.Errorf("invalid update_via_cache %q", s)
	}
}

// WorkerType is the script flavour of a worker.
type WorkerType int

const (
	WorkerTypeClassic WorkerType = iota
	WorkerTypeModule
)

func (t WorkerType) String() string {
	if t == WorkerTypeModule {
		return "module"
	}
	return "classic"
}

// MarshalText renders the type name in JSON.
func (t WorkerType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a type name.
func (t *WorkerType) UnmarshalText(text []byte) error {
	v, err := ParseWorkerType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseWorkerType accepts "classic" (default) or "module".
func ParseWorkerType(s string) (WorkerType, error) {
	switch s {
	case "", "classic":
		return WorkerTypeClassic, nil
	case "module":
		return WorkerTypeModule, nil
	default:
		return WorkerTypeClassic, fmt.Errorf("invalid worker type %q", s)
	}
}

// JobType is the operation a job performs.
type JobType int

const (
	JobRegister JobType = iota
	JobUpdate
	JobUnregister
)

func (t JobType) String() string {
	switch t {
	case JobRegister:
		return "register"
	case JobUpdate:
		return "update"
	case JobUnregister:
		return "unregister"
	default:
		return "unknown"
	}
}

// MarshalText renders the job type name in JSON.
func (t JobType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a job type name.
func (t *JobType) UnmarshalText(text []byte) error {
	v, err := ParseJobType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseJobType accepts "register", "update" or "unregister".
func ParseJobType(s string) (JobType, error) {
	switch s {
	case "register":
		return JobRegister, nil
	case "update":
		return JobUpdate, nil
	case "unregister":
		return JobUnregister, nil
	default:
		return JobRegister, fmt.Errorf("invalid job type %q", s)
	}
}

// ShouldNotifyWhenResolved tells a connection whether it must acknowledge a
// registration resolution so installation can continue.
type ShouldNotifyWhenResolved bool

const (
	NotifyWhenResolved     ShouldNotifyWhenResolved = true
	DontNotifyWhenResolved ShouldNotifyWhenResolved = false
)
