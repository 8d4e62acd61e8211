package http

import (
	"net/http"

	"github.com/edgecmd/edgecmd/capability"
	"github.com/edgecmd/edgecmd/entity"
	"github.com/edgecmd/edgecmd/http/api"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/topic"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

type CapabilityLister interface {
	List(id topic.EntityID) *capability.Iterator
}

type EntityLister interface {
	Entities() []*entity.Entity
}

// CapabilitiesHandler returns the capabilities of the target as a JSON
// object mapping operation names to their parameters.
func CapabilitiesHandler(caps CapabilityLister, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		t, err := target(r)
		if err != nil {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		it := caps.List(t)
		ret := make(map[string]interface{}, it.Len())
		for it.Next() {
			c := it.Capability()
			if c.Params == nil {
				ret[c.Operation] = struct{}{}
				continue
			}
			ret[c.Operation] = c.Params
		}
		if err = api.JSON(w, ret, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// EntitiesHandler returns the registered entities.
func EntitiesHandler(entities EntityLister, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if err := api.JSON(w, entities.Entities(), 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}
