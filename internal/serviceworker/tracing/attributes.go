package tracing

// Span attribute keys.
const (
	AttrCommandID     = "command.id"
	AttrCommandType   = "command.type"
	AttrCommandSource = "command.source"

	AttrJobID           = "sw.job.id"
	AttrJobType         = "sw.job.type"
	AttrRegistrationKey = "sw.registration.key"
	AttrScopeURL        = "sw.scope_url"
	AttrScriptURL       = "sw.script_url"
	AttrWorkerID        = "sw.worker.id"
	AttrConnectionID    = "sw.connection.id"
)

// Span names and events.
const (
	SpanPrefixCommand    = "command.process."
	EventFollowUpCreated = "follow_up.created"
)
