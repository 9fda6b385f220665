package types

// Connection is the coordinator's view of a client connection. Every method
// is called on the control goroutine and must return without blocking.
type Connection interface {
	Identifier() ConnectionIdentifier

	RejectJob(job JobDataIdentifier, ex ExceptionData)
	ResolveRegistrationJob(job JobDataIdentifier, registration RegistrationData, notify ShouldNotifyWhenResolved)
	ResolveUnregistrationJob(job JobDataIdentifier, key RegistrationKey, unregistered bool)
	// StartScriptFetch asks the connection to fetch job.ScriptURL and report
	// back exactly once through the coordinator's ScriptFetchFinished.
	StartScriptFetch(job JobData)

	UpdateRegistrationState(registration RegistrationIdentifier, slot RegistrationSlot, worker *WorkerData)
	UpdateWorkerState(worker WorkerIdentifier, state WorkerState)
	FireUpdateFoundEvent(registration RegistrationIdentifier)
	NotifyClientsOfControllerChange(clients []ClientIdentifier, active WorkerData)
}

// ContextConnection routes commands to wherever workers execute. Every method
// is called on the control goroutine and must return without blocking;
// outcomes come back asynchronously through the coordinator.
type ContextConnection interface {
	Identifier() ContextConnectionIdentifier

	InstallServiceWorkerContext(data ContextData)
	FireInstallEvent(worker WorkerIdentifier)
	FireActivateEvent(worker WorkerIdentifier)
	TerminateWorker(worker WorkerIdentifier)
}
