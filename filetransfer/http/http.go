// Package http provides HTTP handlers for the file transfer content store.
package http

import (
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/edgecmd/edgecmd/filetransfer/storage"
	"github.com/edgecmd/edgecmd/http/api"
	"github.com/edgecmd/edgecmd/log/logkeys"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// statusCode maps storage errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrStorageFull):
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

// filePath returns the content path of r below prefix.
// The raw request path is used so that traversal attempts reach the
// store's confinement check instead of being cleaned away.
func filePath(r *http.Request, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

// GetHandler returns an HTTP handler that serves stored files.
// Byte ranges and conditional requests are supported.
func GetHandler(store storage.ReadStorage, prefix string, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := filePath(r, prefix)
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.Path, p)
		c, err := store.Open(r.Context(), p)
		if err != nil {
			logger.Info(logkeys.Message, "open file", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		defer c.Close()
		info := c.Info()
		if info.SHA256 != "" {
			w.Header().Set("ETag", `"`+info.SHA256+`"`)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		logger.Debug(logkeys.Message, "serve file", "size", info.Size)
		http.ServeContent(w, r, path.Base(info.Path), info.ModTime, c)
	}
}

func locationURL(r *http.Request, prefix, p string) string {
	u := &url.URL{Scheme: "http", Host: r.Host, Path: path.Join("/", prefix, p)}
	if r.TLS != nil {
		u.Scheme = "https"
	}
	return u.String()
}

// PutHandler returns an HTTP handler that stores the request body.
// 201 is returned for new files and 204 for overwritten ones.
func PutHandler(store storage.Storage, prefix string, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := filePath(r, prefix)
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.Path, p)
		defer r.Body.Close()
		info, err := store.Put(r.Context(), p, r.Body)
		if err != nil {
			logger.Info(logkeys.Message, "store file", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		logger.Debug(
			logkeys.Message, "store file",
			"size", info.Size,
			"sha256", info.SHA256,
			"created", info.Created,
		)
		w.Header().Set("Location", locationURL(r, prefix, info.Path))
		if info.Created {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeleteHandler returns an HTTP handler that deletes stored files.
func DeleteHandler(store storage.Storage, prefix string, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := filePath(r, prefix)
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.Path, p)
		if err := store.Delete(r.Context(), p); err != nil {
			logger.Info(logkeys.Message, "delete file", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		logger.Debug(logkeys.Message, "delete file")
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleFiles registers the file transfer handlers below prefix.
func HandleFiles(prefix string, mux *flow.Mux, logger log.Logger, store storage.Storage) {
	prefix = strings.TrimSuffix(prefix, "/")
	mux.Handle(prefix+"/...", GetHandler(store, prefix, logger.With("handler", "get file")), "GET")
	mux.Handle(prefix+"/...", PutHandler(store, prefix, logger.With("handler", "put file")), "PUT")
	mux.Handle(prefix+"/...", DeleteHandler(store, prefix, logger.With("handler", "delete file")), "DELETE")
}
