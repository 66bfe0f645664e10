package observability

import (
	"strings"
	"testing"
	"time"
)

func TestMetricsPrometheusExposition(t *testing.T) {
	m := GetMetrics()
	m.IncPipelineStarted("image-generate")
	m.ObservePipelineFinished("image-generate", "completed", 2*time.Second)
	m.IncTaskOutcome("image.generate", "completed")
	m.IncPollError("transient")
	m.IncCASConflict()
	m.ObserveAPI("GET", "/api/projects", "200", 15*time.Millisecond)
	m.AddUploadBytes(2048)

	var b strings.Builder
	if err := m.WritePrometheus(&b); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := b.String()

	for _, want := range []string{
		`loom_pipeline_runs_started_total{pipeline="image-generate"}`,
		`loom_pipeline_runs_finished_total{pipeline="image-generate",outcome="completed"}`,
		`loom_pipeline_task_outcomes_total{task_type="image.generate",state="completed"}`,
		`loom_pipeline_poll_errors_total{class="transient"}`,
		"loom_pipeline_cas_conflicts_total",
		`route="/api/projects"`,
		"loom_upload_bytes_total",
		"# TYPE",
		"# HELP",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q:\n%s", want, out)
		}
	}
}

func TestCounterVecLabelEscaping(t *testing.T) {
	c := NewCounterVec("test_counter_total", "test", []string{"label"})
	c.Inc(`va"l\ue` + "\n")

	var b strings.Builder
	if err := c.WritePrometheus(&b); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := b.String()
	if !strings.Contains(out, `\"`) || !strings.Contains(out, `\\`) || !strings.Contains(out, `\n`) {
		t.Fatalf("label not escaped: %s", out)
	}
}

func TestHistogramVecBuckets(t *testing.T) {
	h := NewHistogramVec("test_hist", "test", []string{"op"}, []float64{0.1, 1, 10})
	h.Observe(0.05, "read")
	h.Observe(5, "read")

	var b strings.Builder
	if err := h.WritePrometheus(&b); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := b.String()
	for _, want := range []string{
		`test_hist_bucket{op="read",le="0.1"} 1`,
		`test_hist_bucket{op="read",le="10"} 2`,
		`test_hist_bucket{op="read",le="+Inf"} 2`,
		`test_hist_count{op="read"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("histogram missing %q:\n%s", want, out)
		}
	}
}
