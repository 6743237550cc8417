package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.ObserveStage("load_facts", 1500*time.Millisecond, map[string]int64{"inserted": 42, "skipped": 3})
	r.ObserveRun("SUCCEEDED", time.Unix(1700000000, 0))

	assert.Equal(t, 1.5, testutil.ToFloat64(r.stageDuration.WithLabelValues("load_facts")))
	assert.Equal(t, 42.0, testutil.ToFloat64(r.stageRows.WithLabelValues("load_facts", "inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runStatus.WithLabelValues("SUCCEEDED")))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.lastSuccess))

	r.ObserveRun("FAILED", time.Unix(1700000100, 0))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.runStatus.WithLabelValues("SUCCEEDED")))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.lastSuccess), "failures keep the last success time")
}

func TestPusher(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		body, _ := io.ReadAll(req.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRecorder()
	r.ObserveStage("load_staging", time.Second, map[string]int64{"loaded": 10})

	p := NewPusher(srv.URL, "txn_warehouse_etl", map[string]string{"warehouse": "postgres", "empty": ""})
	require.NoError(t, p.Push(context.Background(), r.Registry()))

	assert.Equal(t, "/metrics/job/txn_warehouse_etl/warehouse/postgres", gotPath)
	assert.True(t, strings.Contains(gotBody, "etl_stage_rows"))
}

func TestPusher_Disabled(t *testing.T) {
	p := NewPusher("  ", "job", nil)
	assert.Nil(t, p)
	assert.NoError(t, p.Push(context.Background(), NewRecorder().Registry()))
}
