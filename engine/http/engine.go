// Package http contains HTTP handlers that work with the workflow engine.
package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/edgecmd/edgecmd/engine"
	"github.com/edgecmd/edgecmd/engine/storage"
	"github.com/edgecmd/edgecmd/http/api"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"

	"github.com/alexedwards/flow"
	"github.com/goccy/go-json"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// maxPayloadSize limits the size of request payloads.
const maxPayloadSize = 1024 * 1024

type CommandCreator interface {
	CreateCommand(ctx context.Context, target topic.EntityID, op string, payload workflow.Payload) (string, error)
}

type CommandReader interface {
	Command(ctx context.Context, target topic.EntityID, op, id string) (*engine.Command, error)
	Commands(ctx context.Context, filter storage.Filter) ([]*engine.Command, error)
}

type CommandObserver interface {
	Observe(ctx context.Context, target topic.EntityID, op, id string) (<-chan workflow.Payload, error)
}

type CommandClearer interface {
	Clear(ctx context.Context, target topic.EntityID, op, id string) error
}

type CommandCanceller interface {
	Cancel(ctx context.Context, target topic.EntityID, op, id string) error
}

// statusCode maps engine errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, topic.ErrInvalidIdentifier),
		errors.Is(err, workflow.ErrEmptyPayload),
		errors.Is(err, storage.ErrMissingTarget),
		errors.Is(err, storage.ErrMissingOperation),
		errors.Is(err, storage.ErrMissingCommandID):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownTarget),
		errors.Is(err, engine.ErrNoSuchWorkflow),
		errors.Is(err, storage.ErrCommandNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrCapabilityNotSupported),
		errors.Is(err, workflow.ErrIllegalTransition):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// target returns the entity topic id of the "target" query parameter.
// The main device is used when absent.
func target(r *http.Request) (topic.EntityID, error) {
	t := r.URL.Query().Get("target")
	if t == "" {
		return topic.MainDevice, nil
	}
	return topic.ParseEntityID(t)
}

// commandParams returns the target, operation and id of a command request.
func commandParams(r *http.Request) (topic.EntityID, string, string, error) {
	t, err := target(r)
	return t, flow.Param(r.Context(), "operation"), flow.Param(r.Context(), "id"), err
}

// CreateCommandHandler creates a command from the JSON payload in the request body.
func CreateCommandHandler(c CommandCreator, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		t, op, _, err := commandParams(r)
		if err != nil {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		logger = logger.With(logkeys.Entity, t, logkeys.Operation, op)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
		if err != nil {
			logger.Info(logkeys.Message, "reading body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		var payload workflow.Payload
		if len(body) > 0 {
			if payload, err = workflow.ParsePayload(body); err != nil {
				logger.Info(logkeys.Message, "decoding payload", logkeys.Error, err)
				api.JSONError(w, err, http.StatusBadRequest)
				return
			}
		}

		id, err := c.CreateCommand(r.Context(), t, op, payload)
		if err != nil {
			logger.Info(logkeys.Message, "creating command", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		logger.Debug(logkeys.Message, "created command", logkeys.CommandID, id)

		jsonResp := &struct {
			ID string `json:"id"`
		}{ID: id}
		if err = api.JSON(w, jsonResp, http.StatusCreated); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// GetCommandHandler returns the current JSON payload of a command.
func GetCommandHandler(c CommandReader, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		t, op, id, err := commandParams(r)
		if err == nil {
			var cmd *engine.Command
			if cmd, err = c.Command(r.Context(), t, op, id); err == nil {
				if err = api.JSON(w, cmd.Payload, 0); err != nil {
					logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
				}
				return
			}
		}
		logger.Info(logkeys.Message, "retrieving command", logkeys.CommandID, id, logkeys.Error, err)
		api.JSONError(w, err, statusCode(err))
	}
}

type commandSummary struct {
	Target    topic.EntityID `json:"target"`
	Operation string         `json:"operation"`
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Attempt   int            `json:"attempt"`
	Stuck     bool           `json:"stuck,omitempty"`
	Created   time.Time      `json:"created"`
	Updated   time.Time      `json:"updated"`
}

// ListCommandsHandler lists the known commands.
// The "target" and "operation" query parameters filter the list.
func ListCommandsHandler(c CommandReader, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		var filter storage.Filter
		if r.URL.Query().Get("target") != "" {
			var err error
			if filter.Target, err = target(r); err != nil {
				logger.Info(logkeys.Message, "parameters", logkeys.Error, err)
				api.JSONError(w, err, statusCode(err))
				return
			}
		}
		filter.Operation = r.URL.Query().Get("operation")

		cmds, err := c.Commands(r.Context(), filter)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving commands", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		summaries := make([]commandSummary, 0, len(cmds))
		for _, cmd := range cmds {
			summaries = append(summaries, commandSummary{
				Target:    cmd.Target,
				Operation: cmd.Operation,
				ID:        cmd.ID,
				Status:    cmd.Status,
				Attempt:   cmd.Attempt,
				Stuck:     cmd.Stuck,
				Created:   cmd.Created,
				Updated:   cmd.Updated,
			})
		}
		if err = api.JSON(w, summaries, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// ObserveCommandHandler streams the states of a command as
// newline delimited JSON until the command reaches a terminal state.
func ObserveCommandHandler(c CommandObserver, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		t, op, id, err := commandParams(r)
		var states <-chan workflow.Payload
		if err == nil {
			states, err = c.Observe(r.Context(), t, op, id)
		}
		if err != nil {
			logger.Info(logkeys.Message, "observing command", logkeys.CommandID, id, logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}

		w.Header().Set("Content-type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		for p := range states {
			if err = enc.Encode(p); err != nil {
				logger.Info(logkeys.Message, "encoding state", logkeys.CommandID, id, logkeys.Error, err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// ClearCommandHandler clears a command.
func ClearCommandHandler(c CommandClearer, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		t, op, id, err := commandParams(r)
		if err == nil {
			err = c.Clear(r.Context(), t, op, id)
		}
		if err != nil {
			logger.Info(logkeys.Message, "clearing command", logkeys.CommandID, id, logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		logger.Debug(logkeys.Message, "cleared command", logkeys.CommandID, id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// CancelCommandHandler cancels a command.
func CancelCommandHandler(c CommandCanceller, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		t, op, id, err := commandParams(r)
		if err == nil {
			err = c.Cancel(r.Context(), t, op, id)
		}
		if err != nil {
			logger.Info(logkeys.Message, "cancelling command", logkeys.CommandID, id, logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		logger.Debug(logkeys.Message, "cancelled command", logkeys.CommandID, id)
		w.WriteHeader(http.StatusNoContent)
	}
}
