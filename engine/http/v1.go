package http

import (
	"net/http"

	"github.com/micromdm/nanolib/log"
)

type APIEngine interface {
	CommandCreator
	CommandReader
	CommandObserver
	CommandClearer
	CommandCanceller
}

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the various API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// They are assumed to be layered with mux, possibly at the Handle call.
// If prefix is empty and these handlers are used in sub-paths then
// handlers should have that sub-path stripped from the request.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, e APIEngine, caps CapabilityLister, entities EntityLister) {
	// engine (commands)

	mux.Handle(
		prefix+"/commands",
		ListCommandsHandler(e, logger.With("handler", "list commands")),
		"GET",
	)
	mux.Handle(
		prefix+"/command/:operation",
		CreateCommandHandler(e, logger.With("handler", "create command")),
		"POST",
	)
	mux.Handle(
		prefix+"/command/:operation/:id",
		GetCommandHandler(e, logger.With("handler", "get command")),
		"GET",
	)
	mux.Handle(
		prefix+"/command/:operation/:id",
		ClearCommandHandler(e, logger.With("handler", "clear command")),
		"DELETE",
	)
	mux.Handle(
		prefix+"/command/:operation/:id/cancel",
		CancelCommandHandler(e, logger.With("handler", "cancel command")),
		"POST",
	)
	mux.Handle(
		prefix+"/command/:operation/:id/observe",
		ObserveCommandHandler(e, logger.With("handler", "observe command")),
		"GET",
	)

	// directories

	if caps != nil {
		mux.Handle(
			prefix+"/capabilities",
			CapabilitiesHandler(caps, logger.With("handler", "capabilities")),
			"GET",
		)
	}
	if entities != nil {
		mux.Handle(
			prefix+"/entities",
			EntitiesHandler(entities, logger.With("handler", "entities")),
			"GET",
		)
	}
}
