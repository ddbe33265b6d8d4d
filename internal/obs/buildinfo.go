package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imail_build_info",
			Help: "Build metadata of the running imail API; the value is always 1.",
		},
		[]string{"version", "commit", "go_version"},
	)
	buildInfoRegister sync.Once
)

// InitBuildInfo publishes the running version. Calling it again replaces the labels.
func InitBuildInfo(version, commit string) {
	if commit == "" {
		commit = "unknown"
	}
	buildInfoRegister.Do(func() { prometheus.MustRegister(buildInfo) })
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
