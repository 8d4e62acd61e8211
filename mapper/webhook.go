package mapper

import (
	"context"
	"errors"
	"net/http"

	"github.com/edgecmd/edgecmd/engine"
	"github.com/edgecmd/edgecmd/http/api"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/topic"

	"github.com/goccy/go-json"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Submitter submits cloud requests.
type Submitter interface {
	Submit(ctx context.Context, r *Request) (string, error)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrMissingOperation), errors.Is(err, topic.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownTarget), errors.Is(err, engine.ErrNoSuchWorkflow):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrCapabilityNotSupported):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// WebhookHandler accepts JSON operation requests of a cloud adapter.
// The request is answered as soon as the command was created.
func WebhookHandler(s Submitter, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		req := new(Request)
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		logger = logger.With(logsFromRequest(req)...)

		id, err := s.Submit(r.Context(), req)
		if err != nil {
			logger.Info(logkeys.Message, "submitting request", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		logger.Debug(logkeys.Message, "webhook request", logkeys.CommandID, id)

		jsonResp := &struct {
			ID string `json:"id"`
		}{ID: id}
		if err = api.JSON(w, jsonResp, http.StatusAccepted); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

func appendIfNotEmpty(slice *[]interface{}, key, value string) {
	if value != "" {
		*slice = append(*slice, key, value)
	}
}

func logsFromRequest(r *Request) (logs []interface{}) {
	if r == nil {
		return
	}
	appendIfNotEmpty(&logs, logkeys.Entity, string(r.Target))
	appendIfNotEmpty(&logs, logkeys.Operation, r.Operation)
	appendIfNotEmpty(&logs, "external_id", r.ExternalID)
	return
}
