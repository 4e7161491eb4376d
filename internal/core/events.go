package core

// Event names emitted into events.jsonl. The set is closed; adapters on both
// sides of the proxy boundary must use the same names so that parity can be
// asserted as a multiset comparison.
const (
	EventRunStart                   = "run_start"
	EventRunComplete                = "run_complete"
	EventEnvLoaded                  = "env_loaded"
	EventAdapterSelected            = "adapter_selected"
	EventAdapterPrepareStart        = "adapter_prepare_start"
	EventPreflightValidationSuccess = "preflight_validation_success"
	EventCfgMaterialized            = "cfg_materialized"
	EventManifestMaterialized       = "manifest_materialized"
	EventStepStart                  = "step_start"
	EventStepComplete               = "step_complete"
	EventStepFailed                 = "step_failed"
	EventArtifactCreated            = "artifact_created"
	EventArtifactsDirCreated        = "artifacts_dir_created"
	EventConnectionResolveStart     = "connection_resolve_start"
	EventConnectionResolveComplete  = "connection_resolve_complete"
	EventConfigMetaStripped         = "config_meta_stripped"
	EventDriverRegistered           = "driver_registered"
	EventDriversRegistered          = "drivers_registered"
	EventDriverRegistrationFailed   = "driver_registration_failed"
	EventDependencyCheck            = "dependency_check"
	EventDependencyInstalled        = "dependency_installed"
	EventSessionInitialized         = "session_initialized"
	EventStatusContractViolation    = "status_contract_violation"
)

// Metric names emitted into metrics.jsonl.
const (
	MetricStepsTotal              = "steps_total"
	MetricStepsCompleted          = "steps_completed"
	MetricStepDurationMS          = "step_duration_ms"
	MetricRowsRead                = "rows_read"
	MetricRowsWritten             = "rows_written"
	MetricRowsProcessed           = "rows_processed"
	MetricExecutionDuration       = "execution_duration"
	MetricAdapterExecDuration     = "adapter_execution_duration"
	MetricSessionDurationSeconds  = "session_duration_seconds"
	MetricSandboxOverheadMS       = "sandbox_overhead_ms"
	MetricArtifactsCopyMS         = "artifacts_copy_ms"
	MetricArtifactsBytesTotal     = "artifacts_bytes_total"
	MetricArtifactsFilesTotal     = "artifacts_files_total"
	MetricAdapterExitCode         = "adapter_exit_code"
)
