// Package http includes handlers and utilities shared by the HTTP APIs.
package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// MaxDumpBody limits how much of a request body DumpHandler reads.
const MaxDumpBody = 1 << 20

// ReadAllAndReplaceBody reads up to n bytes of r.Body and replaces
// the body with a buffer of what was read followed by any remainder.
func ReadAllAndReplaceBody(r *http.Request, n int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, n))
	if err != nil {
		return b, err
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(b), r.Body), r.Body}
	return b, nil
}

// DumpHandler writes the method, path and body of each request to output
// before calling next.
func DumpHandler(next http.Handler, output io.Writer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := ReadAllAndReplaceBody(r, MaxDumpBody)
		fmt.Fprintf(output, "%s %s\n%s\n", r.Method, r.URL.Path, body)
		next.ServeHTTP(w, r)
	}
}
