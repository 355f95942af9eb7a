package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/golang/gddo/httputil"
	"github.com/gorilla/mux"

	runnererr "github.com/fluxcd/cirunner/pkg/errors"
)

func NewAPIRouter() *mux.Router {
	r := mux.NewRouter()

	r.NewRoute().Name(Status).Methods("GET").Path("/api/v1/status")
	r.NewRoute().Name(Poll).Methods("POST").Path("/api/v1/poll")
	r.NewRoute().Name(Healthz).Methods("GET", "HEAD").Path("/healthz")
	r.NewRoute().Name(Metrics).Methods("GET").Path("/metrics")

	return r
}

func WriteError(w http.ResponseWriter, r *http.Request, code int, err error) {
	// Clients asking for JSON get the structured error; anything else
	// gets text.
	if len(r.Header.Get("Accept")) > 0 {
		switch httputil.NegotiateContentType(r, []string{"application/json", "text/plain"}, "text/plain") {
		case "application/json":
			body, encodeErr := json.Marshal(err)
			if encodeErr != nil {
				w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, "Error encoding error response: %s\n\nOriginal error: %s", encodeErr.Error(), err.Error())
				return
			}
			w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "application/json; charset=utf-8")
			w.WriteHeader(code)
			w.Write(body)
			return
		case "text/plain":
			w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
			w.WriteHeader(code)
			if e, ok := err.(*runnererr.Error); ok && e.Help != "" {
				fmt.Fprint(w, e.Help)
			} else {
				fmt.Fprint(w, err.Error())
			}
			return
		}
	}
	w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprint(w, err.Error())
}

func JSONResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	body, err := json.Marshal(result)
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
