package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/config"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
)

// Quality grades the link to the remote API.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
	QualityOffline Quality = "offline"
)

// Monitor measures link quality with a HEAD request to a ping URL.
type Monitor struct {
	url     string
	client  *http.Client
	timeout time.Duration
	good    time.Duration
	fair    time.Duration
	clock   clock.Clock
	log     *logging.Logger
}

// NewMonitor creates a Monitor. A nil client uses http.DefaultClient.
func NewMonitor(cfg config.ConnectivityConfig, client *http.Client, clk clock.Clock, log *logging.Logger) *Monitor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Monitor{
		url:     cfg.PingURL,
		client:  client,
		timeout: cfg.ProbeTimeout,
		good:    cfg.GoodLatency,
		fair:    cfg.FairLatency,
		clock:   clk,
		log:     log.Component("monitor"),
	}
}

// Probe sends one ping. A transport failure grades the link offline and
// is returned; a non-2xx answer grades it poor.
func (m *Monitor) Probe(ctx context.Context) (Quality, time.Duration, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		return QualityOffline, 0, fmt.Errorf("build ping request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	start := m.clock.Now()
	resp, err := m.client.Do(req)
	latency := m.clock.Now().Sub(start)
	if err != nil {
		m.log.Debug("ping failed", map[string]interface{}{"url": m.url, "error": err.Error()})
		return QualityOffline, latency, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return QualityPoor, latency, nil
	}
	return m.Classify(latency), latency, nil
}

// Classify grades a successful ping by latency.
func (m *Monitor) Classify(latency time.Duration) Quality {
	switch {
	case latency < m.good:
		return QualityGood
	case latency < m.fair:
		return QualityFair
	default:
		return QualityPoor
	}
}
