package command

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/swserver/internal/serviceworker/types"
)

// ===========================================================================
// BaseCommand Tests
// ===========================================================================

func TestNewBaseCommand(t *testing.T) {
	base := NewBaseCommand(CmdScheduleJob, SourceClient)

	require.NotEmpty(t, base.ID())
	require.Equal(t, CmdScheduleJob, base.Type())
	require.Equal(t, SourceClient, base.Source())
	require.Equal(t, 0, base.Priority())
	require.False(t, base.CreatedAt().IsZero())
	require.NoError(t, base.Validate())
}

func TestBaseCommand_UniqueIDs(t *testing.T) {
	a := NewBaseCommand(CmdBarrier, SourceInternal)
	b := NewBaseCommand(CmdBarrier, SourceInternal)
	require.NotEqual(t, a.ID(), b.ID())
}

func TestBaseCommand_TraceIDPrefersSpanContext(t *testing.T) {
	base := NewBaseCommand(CmdBarrier, SourceInternal)
	base.SetTraceID("manual")
	require.Equal(t, "manual", base.TraceID())

	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)
	base.SetSpanContext(trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID}))

	require.Equal(t, "0102030405060708090a0b0c0d0e0f10", base.TraceID())
}

// ===========================================================================
// Concrete Command Validation
// ===========================================================================

func testJob(t *testing.T) types.JobData {
	t.Helper()
	scope, err := url.Parse("https://example.com/app/")
	require.NoError(t, err)
	script, err := url.Parse("https://example.com/app/sw.js")
	require.NoError(t, err)
	return types.JobData{
		Identifier:        types.JobDataIdentifier{Connection: 1, Job: 1},
		Type:              types.JobRegister,
		TopOrigin:         types.OriginFromURL(scope),
		ClientCreationURL: scope,
		ScriptURL:         script,
		ScopeURL:          scope,
	}
}

func TestScheduleJobCommand_Validate(t *testing.T) {
	cmd := NewScheduleJobCommand(testJob(t))
	require.Equal(t, CmdScheduleJob, cmd.Type())
	require.NoError(t, cmd.Validate())

	job := testJob(t)
	job.ScriptURL = nil
	err := NewScheduleJobCommand(job).Validate()
	require.EqualError(t, err, "invalid job: script url is required")

	job.Type = types.JobUnregister
	require.NoError(t, NewScheduleJobCommand(job).Validate())
}

func TestScheduleJobCommand_Validate_MissingIdentifier(t *testing.T) {
	job := testJob(t)
	job.Identifier = types.JobDataIdentifier{}
	require.EqualError(t, NewScheduleJobCommand(job).Validate(), "invalid job: job identifier is required")
}

func TestRegisterConnectionCommand_Validate_Nil(t *testing.T) {
	require.EqualError(t, NewRegisterConnectionCommand(nil).Validate(), "connection is required")
	require.EqualError(t, NewRegisterContextConnectionCommand(nil).Validate(), "context connection is required")
}

func TestScriptFetchFinishedCommand_Validate(t *testing.T) {
	cmd := NewScriptFetchFinishedCommand(1, types.FetchResult{})
	require.EqualError(t, cmd.Validate(), "job identifier is required")

	cmd = NewScriptFetchFinishedCommand(1, types.FetchResult{JobDataIdentifier: types.JobDataIdentifier{Connection: 1, Job: 3}})
	require.NoError(t, cmd.Validate())
}

func TestWorkerCommands_RequireWorker(t *testing.T) {
	require.Error(t, NewScriptContextStartedCommand(types.JobDataIdentifier{}, 0).Validate())
	require.Error(t, NewScriptContextFailedToStartCommand(types.JobDataIdentifier{}, 0, "boom").Validate())
	require.Error(t, NewDidFinishInstallCommand(types.JobDataIdentifier{}, 0, true).Validate())
	require.NoError(t, NewDidFinishInstallCommand(types.JobDataIdentifier{}, 7, true).Validate())
}

func TestSetPendingEventCountCommand_Validate(t *testing.T) {
	require.NoError(t, NewSetPendingEventCountCommand(1, 0).Validate())
	require.EqualError(t, NewSetPendingEventCountCommand(1, -1).Validate(), "pending event count must be >= 0, got: -1")
}

func TestRegistrationQueryCommand_Types(t *testing.T) {
	u, err := url.Parse("https://example.com/app/page")
	require.NoError(t, err)

	require.Equal(t, CmdGetRegistrations, NewGetRegistrationsCommand(types.OriginFromURL(u), u).Type())
	require.Equal(t, CmdMatchRegistration, NewMatchRegistrationCommand(types.OriginFromURL(u), u).Type())
	require.Error(t, NewGetRegistrationsCommand(types.SecurityOrigin{}, nil).Validate())
}

func TestUpdateTimeoutsCommand_Validate(t *testing.T) {
	require.NoError(t, NewUpdateTimeoutsCommand(0, 0, 0).Validate())
	require.Error(t, NewUpdateTimeoutsCommand(-1, 0, 0).Validate())
}

func TestClientUsageCommands_Types(t *testing.T) {
	key := testJob(t).Key()
	require.Equal(t, CmdAddClientRegistration, NewAddClientRegistrationCommand(1, key, 2).Type())
	require.Equal(t, CmdRemoveClientRegistration, NewRemoveClientRegistrationCommand(1, key, 2).Type())
	require.Equal(t, CmdStartedControllingClient, NewStartedControllingClientCommand(1, 2, 3).Type())
	require.Equal(t, CmdStoppedControllingClient, NewStoppedControllingClientCommand(1, 2, 3).Type())
}
