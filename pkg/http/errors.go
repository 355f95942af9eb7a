package http

import (
	"errors"

	runnererr "github.com/fluxcd/cirunner/pkg/errors"
)

func MakeAPINotFound(path string) *runnererr.Error {
	return &runnererr.Error{
		Type: runnererr.TypeConfig,
		Help: `The endpoint requested is not served by cirunnerd. The
endpoints are:

    GET  /api/v1/status
    POST /api/v1/poll
    GET  /healthz
    GET  /metrics

The path requested was:

    ` + path + `
`,
		Err: errors.New("endpoint not found"),
	}
}
