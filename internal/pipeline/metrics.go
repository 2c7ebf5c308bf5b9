package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	StageTranscription = "transcription"
	StageExtraction    = "extraction"
	StageSweep         = "sweep"
)

// Metrics holds the pipeline's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	stageTotal          *prometheus.CounterVec
	stageDuration       *prometheus.HistogramVec
	diarizationFallback prometheus.Counter
	insightsExtracted   prometheus.Counter
}

// NewMetrics registers the pipeline collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stageTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_total",
				Help: "Pipeline stage runs by outcome",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Pipeline stage duration in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"stage"},
		),
		diarizationFallback: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_diarization_fallback_total",
			Help: "Transcriptions whose speakers were labelled by the heuristic fallback",
		}),
		insightsExtracted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_insights_extracted_total",
			Help: "Insights stored after extraction",
		}),
	}
}

func (m *Metrics) observeStage(stage, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.stageTotal.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func (m *Metrics) countFallback() {
	if m == nil {
		return
	}
	m.diarizationFallback.Inc()
}

func (m *Metrics) countInsights(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.insightsExtracted.Add(float64(n))
}
