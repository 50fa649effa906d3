package servicelocator

var (
	MetricLocatorLoginCount     = []string{"beam", "servicelocator", "login", "count"}
	MetricLocatorReconnectCount = []string{"beam", "servicelocator", "reconnect", "count"}
)
