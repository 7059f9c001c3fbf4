package batch

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusPatched   = "patched"
	statusUnchanged = "unchanged"
	statusNotELF    = "not_elf"
	statusFailed    = "failed"
)

type metrics struct {
	files        *prometheus.CounterVec
	wordsPatched *prometheus.CounterVec
	fileDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elfpatch_files_total",
			Help: "Files processed by outcome",
		}, []string{"status"}),
		wordsPatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elfpatch_words_patched_total",
			Help: "Instruction words replaced, by the reason for the replacement",
		}, []string{"kind"}),
		fileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "elfpatch_file_duration_seconds",
			Help:    "Time spent on a single file, including the external tools",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.files, m.wordsPatched, m.fileDuration)
	}
	return m
}
