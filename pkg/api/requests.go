package api

// eventStatusRequest is the body of PUT /engines/events/:id/status. It is the
// wire twin of the request engine.RemoteControlPlane sends: "processing"
// refreshes the lease, "completed" reports a result, "failed" and "retrying"
// report an error and leave the retry decision to the queue.
type eventStatusRequest struct {
	EngineID              string         `json:"engine_id"`
	Status                string         `json:"status"`
	Result                map[string]any `json:"result,omitempty"`
	Error                 string         `json:"error,omitempty"`
	LeaseExtensionSeconds int            `json:"lease_extension_seconds,omitempty"`
	ProcessingTimeMS      int64          `json:"processing_time_ms,omitempty"`
}

// stopScenarioRequest is the optional body of POST /scenarios/:id/stop.
type stopScenarioRequest struct {
	Reason string `json:"reason,omitempty"`
}
