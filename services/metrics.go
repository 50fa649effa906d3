package services

var (
	MetricServiceRequestCount = []string{"beam", "services", "request", "count"}
	MetricServiceMessageCount = []string{"beam", "services", "message", "count"}
	MetricServiceClientCount  = []string{"beam", "services", "client", "count"}
)
