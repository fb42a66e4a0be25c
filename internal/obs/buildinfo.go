package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// ekehi_build_info{version,commit,go_version} 1
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ekehi",
			Name:      "build_info",
			Help:      "ekehid build metadata; always 1.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo registers ekehi_build_info once and publishes the running
// build. Calling it again with another version adds a second series.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if commit == "" {
		commit = "unknown"
	}
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
