package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gocord "gocord"
)

var (
	windows   = map[string]*Window{}
	windowsMu sync.RWMutex

	avgTimeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gocord_window_avg_time_ms",
		Help: "Average request duration in milliseconds inside the sliding window",
	}, []string{"window"})

	successRateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gocord_window_success_rate",
		Help: "Success rate (0..1) inside the sliding window",
	}, []string{"window"})

	countGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gocord_window_count",
		Help: "Number of samples currently inside the sliding window",
	}, []string{"window"})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gocord_rest_requests_total",
		Help: "REST requests by terminal outcome kind (empty kind means success)",
	}, []string{"kind"})

	gatewayStatusGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gocord_gateway_status",
		Help: "Current gateway session status as its numeric lifecycle value",
	})
)

func init() {
	prometheus.MustRegister(avgTimeGauge, successRateGauge, countGauge, requestsTotal, gatewayStatusGauge)
}

// Register adds w to the set sampled by Collect.
func Register(w *Window) {
	if w == nil {
		return
	}
	windowsMu.Lock()
	defer windowsMu.Unlock()
	windows[w.name] = w
}

// Collect samples every registered window into the Prometheus gauges.
func Collect() {
	windowsMu.RLock()
	defer windowsMu.RUnlock()
	for name, w := range windows {
		avg, succ, cnt := w.GetStats()
		avgTimeGauge.WithLabelValues(name).Set(avg)
		successRateGauge.WithLabelValues(name).Set(succ)
		countGauge.WithLabelValues(name).Set(float64(cnt))
	}
}

// StartSampler runs Collect every interval until stop is closed.
func StartSampler(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				Collect()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the Prometheus scrape handler, mountable into an
// existing HTTP server (for example gin) as a route.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetGatewayStatus publishes the gateway lifecycle value.
func SetGatewayStatus(status int) {
	gatewayStatusGauge.Set(float64(status))
}

// RestObserver adapts a Window to the REST engine's audit-sink shape so
// every request outcome lands in both the window stats and the outcome
// counter.
type RestObserver struct {
	Window *Window
}

func NewRestObserver() *RestObserver {
	w := NewWindow("rest", 4096, time.Minute)
	Register(w)
	return &RestObserver{Window: w}
}

func (o *RestObserver) RecordRequest(method, route string, status int, attempt int, kind gocord.Kind, durationMs int64) {
	success := kind == ""
	o.Window.Observe(time.Duration(durationMs)*time.Millisecond, success)
	requestsTotal.WithLabelValues(string(kind)).Inc()
}
