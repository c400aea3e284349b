package gpu

// Metrics is a single device reading.
type Metrics struct {
	UUID        string
	Name        string
	MemoryTotal uint64 // MB
	MemoryUsed  uint64 // MB
	GPUUtil     uint32 // percent
}

// Provider reads device metrics from the local host.
type Provider interface {
	Init() error
	Shutdown() error
	GetDeviceCount() (int, error)
	GetMetrics() ([]Metrics, error)
}

// Aggregate folds per-device readings into one node reading: mean
// utilization and total memory in use.
func Aggregate(devices []Metrics) (utilization float64, memoryMB int64, ok bool) {
	if len(devices) == 0 {
		return 0, 0, false
	}
	var util float64
	var mem uint64
	for _, d := range devices {
		util += float64(d.GPUUtil)
		mem += d.MemoryUsed
	}
	return util / float64(len(devices)), int64(mem), true
}
