package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loomstudio/loom-backend/internal/logger"
)

// Metrics is the process-wide metric registry, exposed in Prometheus text
// format on its own listener. Counters are hand-rolled: the surface we need
// is small and the text format is stable.
type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge

	pipelineStarted  *CounterVec
	pipelineFinished *CounterVec
	pipelineDuration *HistogramVec
	taskOutcomes     *CounterVec
	taskSubmitErrors *CounterVec
	pollPasses       *Counter
	pollErrors       *CounterVec
	casConflicts     *Counter

	sseClients  *Gauge
	sseDropped  *Counter
	uploadBytes *Counter
}

var (
	metricsOnce sync.Once
	instance    *Metrics
)

func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		instance = &Metrics{
			apiRequests: NewCounterVec("loom_api_requests_total", "API requests by method, route and status.", []string{"method", "route", "status"}),
			apiLatency: NewHistogramVec(
				"loom_api_request_duration_seconds",
				"API request duration in seconds.",
				[]string{"method", "route"},
				[]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			),
			apiInflight:      NewGauge("loom_api_inflight_requests", "In-flight API requests."),
			pipelineStarted:  NewCounterVec("loom_pipeline_runs_started_total", "Pipeline runs started, by pipeline id.", []string{"pipeline"}),
			pipelineFinished: NewCounterVec("loom_pipeline_runs_finished_total", "Pipeline runs finished, by pipeline id and outcome.", []string{"pipeline", "outcome"}),
			pipelineDuration: NewHistogramVec(
				"loom_pipeline_run_duration_seconds",
				"Wall time from run start to terminal state.",
				[]string{"pipeline"},
				[]float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			),
			taskOutcomes:     NewCounterVec("loom_pipeline_task_outcomes_total", "Terminal task outcomes, by task type and state.", []string{"task_type", "state"}),
			taskSubmitErrors: NewCounterVec("loom_pipeline_task_submit_errors_total", "Task submissions rejected before reaching the backend.", []string{"task_type"}),
			pollPasses:       NewCounter("loom_pipeline_poll_passes_total", "Completed poll passes over running pipelines."),
			pollErrors:       NewCounterVec("loom_pipeline_poll_errors_total", "Poll errors, by class.", []string{"class"}),
			casConflicts:     NewCounter("loom_pipeline_cas_conflicts_total", "Lost optimistic-concurrency races on pipeline run rows."),
			sseClients:       NewGauge("loom_sse_clients", "Connected SSE clients."),
			sseDropped:       NewCounter("loom_sse_dropped_messages_total", "SSE messages dropped due to a full client buffer."),
			uploadBytes:      NewCounter("loom_upload_bytes_total", "Bytes accepted through asset upload."),
		}
	})
	return instance
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	collectors := []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.pipelineStarted, m.pipelineFinished, m.pipelineDuration,
		m.taskOutcomes, m.taskSubmitErrors,
		m.pollPasses, m.pollErrors, m.casConflicts,
		m.sseClients, m.sseDropped, m.uploadBytes,
	}
	for _, c := range collectors {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route)
}

func (m *Metrics) ApiInflightInc() { m.apiInflight.Inc() }
func (m *Metrics) ApiInflightDec() { m.apiInflight.Dec() }

func (m *Metrics) IncPipelineStarted(pipelineID string) {
	if m == nil {
		return
	}
	m.pipelineStarted.Inc(pipelineID)
}

func (m *Metrics) ObservePipelineFinished(pipelineID, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.pipelineFinished.Inc(pipelineID, outcome)
	m.pipelineDuration.Observe(dur.Seconds(), pipelineID)
}

func (m *Metrics) IncTaskOutcome(taskType, state string) {
	if m == nil {
		return
	}
	m.taskOutcomes.Inc(taskType, state)
}

func (m *Metrics) IncTaskSubmitError(taskType string) {
	if m == nil {
		return
	}
	m.taskSubmitErrors.Inc(taskType)
}

func (m *Metrics) IncPollPass() { m.pollPasses.Inc() }

func (m *Metrics) IncPollError(class string) {
	if m == nil {
		return
	}
	m.pollErrors.Inc(class)
}

func (m *Metrics) IncCASConflict() { m.casConflicts.Inc() }

func (m *Metrics) SSEClientConnected()    { m.sseClients.Inc() }
func (m *Metrics) SSEClientDisconnected() { m.sseClients.Dec() }
func (m *Metrics) IncSSEDropped()         { m.sseDropped.Inc() }

func (m *Metrics) AddUploadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadBytes.Add(float64(n))
}

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl]++
	c.mu.Unlock()
}

func (c *CounterVec) Add(v float64, values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl] += v
	c.mu.Unlock()
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", c.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type Counter struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val++
	c.mu.Unlock()
}

func (c *Counter) Add(v float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", c.name, c.val)
	return err
}

type Gauge struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Set(v float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val++
	g.mu.Unlock()
}

func (g *Gauge) Dec() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val--
	g.mu.Unlock()
}

func (g *Gauge) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", g.name, g.val)
	return err
}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	buckets    []float64
	mu         sync.RWMutex
	values     map[string]*histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return &HistogramVec{name: name, help: help, labelNames: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	lbl := labelString(h.labelNames, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[lbl]
	if !ok {
		hist = &histogram{
			buckets: h.buckets,
			counts:  make([]uint64, len(h.buckets)+1),
		}
		h.values[lbl] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range hist.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
	hist.counts[len(hist.counts)-1]++
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s histogram\n", h.name); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.values {
		for i, b := range v.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), v.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, "+Inf"), v.counts[len(v.counts)-1]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum%s %f\n", h.name, k, v.sum); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_count%s %d\n", h.name, k, v.total); err != nil {
			return err
		}
	}
	return nil
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		val := "unknown"
		if i < len(values) {
			val = values[i]
		}
		b.WriteString(name)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(val))
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

func escapeLabel(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "\n", "\\n")
	return v
}

func withLe(labels string, le string) string {
	le = escapeLabel(le)
	if labels == "" || labels == "{}" {
		return "{le=\"" + le + "\"}"
	}
	if strings.HasSuffix(labels, "}") {
		return strings.TrimSuffix(labels, "}") + ",le=\"" + le + "\"}"
	}
	return "{le=\"" + le + "\"}"
}
