package workflow

import "time"

// Well-known operation names.
const (
	OpSoftwareUpdate = "software_update"
	OpSoftwareList   = "software_list"
	OpConfigSnapshot = "config_snapshot"
	OpConfigUpdate   = "config_update"
	OpFirmwareUpdate = "firmware_update"
	OpLogUpload      = "log_upload"
	OpRestart        = "restart"
)

// Builtin returns the built-in workflow definitions.
// A new set of definitions is returned on every call.
func Builtin() []*Definition {
	fw := NewLinear(OpFirmwareUpdate, time.Hour,
		StatusScheduled,
		StatusDownloading,
		StatusDownloaded,
		StatusInstalling,
	)
	// extension points: e.g. maintenance windows and image validation.
	for _, name := range []string{StatusScheduled, StatusDownloaded} {
		fw.States[name].NoOp = true
		fw.States[name].Owner = OwnerEngine
		fw.States[name].Action = ActionProceed
	}
	fw.RetryPolicy = RetryResume
	fw.MaxAttempts = 3

	sw := NewLinear(OpSoftwareUpdate, time.Hour, StatusExecuting)
	// re-running a package manager from scratch is safe; resuming is not.
	sw.RetryPolicy = RetryRestart

	return []*Definition{
		sw,
		NewLinear(OpSoftwareList, 10*time.Minute, StatusExecuting),
		NewLinear(OpConfigSnapshot, 10*time.Minute, StatusExecuting),
		NewLinear(OpConfigUpdate, 10*time.Minute, StatusExecuting),
		NewLinear(OpLogUpload, 10*time.Minute, StatusExecuting),
		NewLinear(OpRestart, 5*time.Minute, StatusExecuting),
		fw,
	}
}
