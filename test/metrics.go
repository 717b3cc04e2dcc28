// Package test holds helpers shared by the unit and integration tests of the
// prober packages.
package test

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// collect reads the single sample exported by the given collector.
func collect(c prometheus.Collector) (*io_prometheus_client.Metric, error) {
	ch := make(chan prometheus.Metric, 10)
	c.Collect(ch)
	var m prometheus.Metric
	select {
	case <-time.After(time.Second):
		return nil, fmt.Errorf("timed out collecting metrics")
	case m = <-ch:
	}
	var iom io_prometheus_client.Metric
	if err := m.Write(&iom); err != nil {
		return nil, err
	}
	return &iom, nil
}

// CountCounter returns the current value of a prometheus Counter. It panics if
// the value can not be collected.
func CountCounter(counter prometheus.Counter) int {
	iom, err := collect(counter)
	if err != nil {
		panic(err)
	}
	return int(iom.Counter.GetValue())
}

// CountCounterVecWithLabels returns the current count of a prometheus
// CounterVec with the given labels.
func CountCounterVecWithLabels(counterVec *prometheus.CounterVec, labels prometheus.Labels) int {
	return CountCounter(counterVec.With(labels))
}

// GaugeValue returns the current value of a prometheus Gauge, or an error if
// there was a problem collecting it.
func GaugeValue(gauge prometheus.Gauge) (float64, error) {
	iom, err := collect(gauge)
	if err != nil {
		return 0, err
	}
	return iom.Gauge.GetValue(), nil
}

// GaugeValueWithLabels returns the current value with the provided labels from
// the GaugeVec argument, or an error if there was a problem collecting the
// value.
func GaugeValueWithLabels(vecGauge *prometheus.GaugeVec, labels prometheus.Labels) (float64, error) {
	gauge, err := vecGauge.GetMetricWith(labels)
	if err != nil {
		return 0, err
	}
	return GaugeValue(gauge)
}

// CountHistogramSamples returns the number of samples a prometheus Histogram
// has observed. It panics if the count can not be collected.
func CountHistogramSamples(hist prometheus.Histogram) int {
	iom, err := collect(hist)
	if err != nil {
		panic(err)
	}
	return int(iom.Histogram.GetSampleCount())
}

// CountHistogramSamplesWithLabels returns the number of samples a given
// prometheus HistogramVec has seen with the given labels.
func CountHistogramSamplesWithLabels(histVec *prometheus.HistogramVec, labels prometheus.Labels) int {
	obs, err := histVec.GetMetricWith(labels)
	if err != nil {
		panic(err)
	}
	// GetMetricWith returns an Observer that must be cast to a Histogram in
	// order to collect it
	return CountHistogramSamples(obs.(prometheus.Histogram))
}
