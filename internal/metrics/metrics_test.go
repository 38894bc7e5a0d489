package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPunch("in", "ok")
	c.RecordPunch("in", "ok")
	c.RecordPunch("in", "duplicate")
	c.RecordRecognition("known")
	c.RecordLiveness(false, 12)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.punches.WithLabelValues("in", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.punches.WithLabelValues("in", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recognitions.WithLabelValues("known")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.liveness.WithLabelValues("false")))
}

func TestRecordTrainingOnlyMovesGaugeOnSuccess(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordTraining(time.Second, 3, nil)
	c.RecordTraining(time.Second, 0, errors.New("boom"))

	assert.Equal(t, 3.0, testutil.ToFloat64(c.identities))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trainings.WithLabelValues("error")))
}
