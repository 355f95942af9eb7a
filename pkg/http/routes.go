package http

// Names of the routes served by cirunnerd; these are also the values
// of the route label in request metrics.
const (
	Status  = "Status"
	Poll    = "Poll"
	Healthz = "Healthz"
	Metrics = "Metrics"
)
