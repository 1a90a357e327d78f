package handlers

import (
	"github.com/docker/go-metrics"
)

var (
	apiNamespace = metrics.NewNamespace("registry", "", nil)

	// requestsCounter counts API requests by route and response code.
	requestsCounter = apiNamespace.NewLabeledCounter("requests",
		"The number of API requests received", "route", "code")

	// requestDuration observes request latency by route.
	requestDuration = apiNamespace.NewLabeledTimer("request_duration",
		"The latency of API requests", "route")

	// uploadBytesCounter counts bytes accepted through blob uploads.
	uploadBytesCounter = apiNamespace.NewCounter("upload_bytes",
		"The number of blob bytes received")

	// blobBytesCounter counts blob bytes served to clients.
	blobBytesCounter = apiNamespace.NewCounter("blob_bytes",
		"The number of blob bytes served")

	// activeUploadsGauge tracks upload sessions currently receiving data.
	activeUploadsGauge = apiNamespace.NewGauge("active_uploads",
		"The number of in-flight blob uploads", metrics.Unit(""))
)

func init() {
	metrics.Register(apiNamespace)
}
