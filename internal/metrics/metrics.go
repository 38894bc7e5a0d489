// Package metrics exposes Prometheus instrumentation for the face and
// attendance pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the instrumentation surface used by the services.
type Recorder interface {
	RecordRecognition(outcome string)
	RecordLiveness(live bool, score float64)
	RecordEnrollment(result string)
	RecordTraining(d time.Duration, identities int, err error)
	RecordPunch(punchType, result string)
	RecordMirror(kind, result string)
}

// Collector records metrics into a Prometheus registry.
type Collector struct {
	recognitions  *prometheus.CounterVec
	liveness      *prometheus.CounterVec
	livenessScore prometheus.Histogram
	enrollments   *prometheus.CounterVec
	trainings     *prometheus.CounterVec
	trainLatency  prometheus.Histogram
	identities    prometheus.Gauge
	punches       *prometheus.CounterVec
	mirror        *prometheus.CounterVec
}

// NewCollector builds a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		recognitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceattend_recognitions_total",
			Help: "Recognition attempts by outcome.",
		}, []string{"outcome"}),
		liveness: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceattend_liveness_checks_total",
			Help: "Liveness checks by verdict.",
		}, []string{"live"}),
		livenessScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "faceattend_liveness_score",
			Help:    "Laplacian variance of checked frames.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
		enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceattend_enrollments_total",
			Help: "Enrollment attempts by result.",
		}, []string{"result"}),
		trainings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceattend_trainings_total",
			Help: "Model training runs by result.",
		}, []string{"result"}),
		trainLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "faceattend_training_seconds",
			Help:    "Wall time of model training runs.",
			Buckets: prometheus.DefBuckets,
		}),
		identities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "faceattend_trained_identities",
			Help: "Identities in the active model.",
		}),
		punches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceattend_punches_total",
			Help: "Punch attempts by type and result.",
		}, []string{"type", "result"}),
		mirror: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceattend_mirror_messages_total",
			Help: "Mirror messages by kind and result.",
		}, []string{"kind", "result"}),
	}

	reg.MustRegister(
		c.recognitions,
		c.liveness,
		c.livenessScore,
		c.enrollments,
		c.trainings,
		c.trainLatency,
		c.identities,
		c.punches,
		c.mirror,
	)
	return c
}

func (c *Collector) RecordRecognition(outcome string) {
	c.recognitions.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordLiveness(live bool, score float64) {
	c.liveness.WithLabelValues(strconv.FormatBool(live)).Inc()
	c.livenessScore.Observe(score)
}

func (c *Collector) RecordEnrollment(result string) {
	c.enrollments.WithLabelValues(result).Inc()
}

// RecordTraining records a training run. The identity gauge only moves
// on success.
func (c *Collector) RecordTraining(d time.Duration, identities int, err error) {
	c.trainLatency.Observe(d.Seconds())
	if err != nil {
		c.trainings.WithLabelValues("error").Inc()
		return
	}
	c.trainings.WithLabelValues("ok").Inc()
	c.identities.Set(float64(identities))
}

func (c *Collector) RecordPunch(punchType, result string) {
	c.punches.WithLabelValues(punchType, result).Inc()
}

func (c *Collector) RecordMirror(kind, result string) {
	c.mirror.WithLabelValues(kind, result).Inc()
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRecognition(string) {}
func (Nop) RecordLiveness(bool, float64) {}
func (Nop) RecordEnrollment(string) {}
func (Nop) RecordTraining(time.Duration, int, error) {}
func (Nop) RecordPunch(string, string) {}
func (Nop) RecordMirror(string, string) {}
