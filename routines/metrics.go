package routines

var (
	MetricRoutineSpawnCount = []string{"beam", "routines", "spawn", "count"}
	MetricRoutinePanicCount = []string{"beam", "routines", "panic", "count"}
	MetricRoutineActive     = []string{"beam", "routines", "active"}
)
