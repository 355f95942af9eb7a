package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaveworks/common/middleware"

	runnermetrics "github.com/fluxcd/cirunner/pkg/metrics"
	"github.com/fluxcd/cirunner/pkg/runner"
)

var (
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cirunner",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Time (in seconds) spent serving HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{runnermetrics.LabelMethod, runnermetrics.LabelRoute, "status_code", "ws"})
)

func init() {
	prometheus.MustRegister(requestDuration)
}

// Runner is what the server reports on, and can poke.
type Runner interface {
	Status() runner.Status
	AskForPoll()
}

// NewHandler attaches the handlers to the routes in r, and
// instruments them.
func NewHandler(rn Runner, r *mux.Router) http.Handler {
	handle := HTTPServer{runner: rn}

	r.Get(Status).HandlerFunc(handle.Status)
	r.Get(Poll).HandlerFunc(handle.Poll)
	r.Get(Healthz).HandlerFunc(handle.Healthz)
	r.Get(Metrics).Handler(promhttp.Handler())

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, MakeAPINotFound(r.URL.Path))
	})

	return middleware.Instrument{
		RouteMatcher: r,
		Duration:     requestDuration,
	}.Wrap(r)
}

type HTTPServer struct {
	runner Runner
}

func (s HTTPServer) Status(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, r, s.runner.Status())
}

func (s HTTPServer) Poll(w http.ResponseWriter, r *http.Request) {
	s.runner.AskForPoll()
	w.WriteHeader(http.StatusAccepted)
}

func (s HTTPServer) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
