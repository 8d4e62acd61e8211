// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	// a full MQTT-style topic name.
	Topic = "topic"

	// an entity topic identifier. i.e. "device/main//".
	Entity = "entity"

	CommandID = "command_id"
	Operation = "operation"

	// the status (state name) of a command payload.
	Status = "status"

	// in cases where a transition is rejected we log both states.
	CurrentStatus   = "current_status"
	AttemptedStatus = "attempted_status"

	Attempt = "attempt"

	// a file transfer path.
	Path = "path"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
