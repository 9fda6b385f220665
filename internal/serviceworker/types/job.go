package types

import (
	"errors"
	"net/url"
)

// RegistrationOptions are the options passed to register().
type RegistrationOptions struct {
	UpdateViaCache UpdateViaCache `json:"update_via_cache"`
	Type           WorkerType     `json:"type"`
}

// JobData describes one requested register/update/unregister operation.
// URLs are treated as immutable once the job is scheduled.
type JobData struct {
	Identifier        JobDataIdentifier
	Type              JobType
	TopOrigin         SecurityOrigin
	ClientCreationURL *url.URL
	ScriptURL         *url.URL
	ScopeURL          *url.URL
	Options           RegistrationOptions
}

// Key is the registration key the job operates on.
func (j JobData) Key() RegistrationKey {
	return NewRegistrationKey(j.TopOrigin, j.ScopeURL)
}

// Validate checks that the fields the job type needs are present.
func (j JobData) Validate() error {
	if j.Identifier.Connection == 0 || j.Identifier.Job == 0 {
		return errors.New("job identifier is required")
	}
	if j.ScopeURL == nil {
		return errors.New("scope url is required")
	}
	if j.ClientCreationURL == nil {
		return errors.New("client creation url is required")
	}
	if j.Type != JobUnregister && j.ScriptURL == nil {
		return errors.New("script url is required")
	}
	return nil
}

// FetchResult is what a connection reports after fetching a job's script.
type FetchResult struct {
	JobDataIdentifier JobDataIdentifier
	RegistrationKey   RegistrationKey
	Script            string
	Err               error
}
