// Package metrics pushes run metrics to a VictoriaMetrics/Prometheus remote
// write endpoint.
//
// Collectors are registered on a private Prometheus registry and pushed once
// at the end of a run, which suits a one-shot CLI better than exposing a
// scrape endpoint.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
)

// DefaultTimeout is the default timeout for HTTP requests
const DefaultTimeout = 30 * time.Second

// Client gathers a private Prometheus registry and remote-writes its contents.
type Client struct {
	url        string
	httpClient *http.Client
	registry   *prometheus.Registry
	prefix     string
	job        string
	instance   string
}

// Option configures a Client.
type Option func(*Client)

// WithPrefix sets the metric name prefix. All metric names are prefixed with
// this value followed by an underscore.
func WithPrefix(prefix string) Option {
	return func(c *Client) {
		c.prefix = prefix
	}
}

// WithJob sets the job label for all pushed metrics.
func WithJob(job string) Option {
	return func(c *Client) {
		c.job = job
	}
}

// WithInstance sets the instance label for all pushed metrics.
func WithInstance(instance string) Option {
	return func(c *Client) {
		c.instance = instance
	}
}

// WithTimeout sets the HTTP client timeout. Defaults to DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a Client that pushes metrics to the remote write endpoint
// at the given base URL (e.g., "http://localhost:8428").
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:        url + "/api/v1/write",
		httpClient: &http.Client{Timeout: DefaultTimeout},
		registry:   prometheus.NewRegistry(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// MustRegister registers collectors with the client's registry. It panics on
// duplicate registration, like prometheus.MustRegister.
func (c *Client) MustRegister(collectors ...prometheus.Collector) {
	c.registry.MustRegister(collectors...)
}

// Push gathers all registered metrics and sends them to the remote write
// endpoint in a single request. Pushing an empty registry is a no-op.
func (c *Client) Push(ctx context.Context) error {
	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	// One timestamp for the whole batch; these are end-of-run samples.
	timestamp := time.Now().UnixMilli()

	var timeseries []prompb.TimeSeries
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			ts, ok := c.metricToTimeSeries(family, metric, timestamp)
			if !ok {
				continue
			}
			timeseries = append(timeseries, ts)
		}
	}
	if len(timeseries) == 0 {
		return nil
	}

	req := &prompb.WriteRequest{
		Timeseries: timeseries,
	}

	data, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling write request: %w", err)
	}

	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// metricToTimeSeries converts one gathered metric to Prometheus TimeSeries
// format. Only counters, gauges and untyped metrics are pushed.
func (c *Client) metricToTimeSeries(family *dto.MetricFamily, metric *dto.Metric, timestamp int64) (prompb.TimeSeries, bool) {
	var value float64
	switch family.GetType() {
	case dto.MetricType_COUNTER:
		value = metric.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		value = metric.GetGauge().GetValue()
	case dto.MetricType_UNTYPED:
		value = metric.GetUntyped().GetValue()
	default:
		return prompb.TimeSeries{}, false
	}

	name := family.GetName()
	if c.prefix != "" {
		name = c.prefix + "_" + name
	}

	labels := make([]prompb.Label, 0, len(metric.GetLabel())+3)
	labels = append(labels, prompb.Label{
		Name:  "__name__",
		Value: name,
	})
	if c.job != "" {
		labels = append(labels, prompb.Label{
			Name:  "job",
			Value: c.job,
		})
	}
	if c.instance != "" {
		labels = append(labels, prompb.Label{
			Name:  "instance",
			Value: c.instance,
		})
	}
	for _, pair := range metric.GetLabel() {
		labels = append(labels, prompb.Label{
			Name:  pair.GetName(),
			Value: pair.GetValue(),
		})
	}

	sample := prompb.Sample{
		Value:     value,
		Timestamp: timestamp,
	}

	return prompb.TimeSeries{
		Labels:  labels,
		Samples: []prompb.Sample{sample},
	}, true
}
