package metrics

/*
Labels and so on for metrics used in cirunner.
*/

const (
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelSuccess = "success"

	// Labels for build-deploy attempt metrics
	LabelOutcome = "outcome"
	LabelStage   = "stage"
)
