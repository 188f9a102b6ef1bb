// Package telemetry is the introspection and metrics surface described
// in SPEC_FULL.md §2.1: gauges for per-speaker thermal/gain state,
// counters for capture and model faults, served over HTTP for
// Prometheus scraping and human inspection. It reads state the
// supervisor already computed and never writes to the mixer or model.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/linuxaudio/speakersafetyd"

// SupervisorState mirrors internal/supervisor's coarse run state, kept
// here to avoid an import cycle (telemetry is a leaf package).
type SupervisorState int64

const (
	StateStarting SupervisorState = iota
	StateRunning
	StateIdle
	StateFaulted
)

// Metrics holds the OpenTelemetry instruments backing the metrics
// endpoint.
type Metrics struct {
	CoilTemp        metric.Float64Gauge
	MagnetTemp      metric.Float64Gauge
	GainCeiling     metric.Float64Gauge
	CaptureFaults   metric.Int64Counter
	ModelFaults     metric.Int64Counter
	SupervisorState metric.Int64Gauge
}

// New creates the metric instruments against mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.CoilTemp, err = m.Float64Gauge("speakersafetyd_coil_temperature_celsius",
		metric.WithDescription("Predicted voice coil temperature."),
		metric.WithUnit("Cel"),
	); err != nil {
		return nil, err
	}
	if met.MagnetTemp, err = m.Float64Gauge("speakersafetyd_magnet_temperature_celsius",
		metric.WithDescription("Predicted magnet temperature."),
		metric.WithUnit("Cel"),
	); err != nil {
		return nil, err
	}
	if met.GainCeiling, err = m.Float64Gauge("speakersafetyd_gain_ceiling_db",
		metric.WithDescription("Last-applied gain ceiling."),
		metric.WithUnit("dB"),
	); err != nil {
		return nil, err
	}
	if met.CaptureFaults, err = m.Int64Counter("speakersafetyd_capture_faults_total",
		metric.WithDescription("Total transient capture faults (xrun, short read, rate change)."),
	); err != nil {
		return nil, err
	}
	if met.ModelFaults, err = m.Int64Counter("speakersafetyd_model_faults_total",
		metric.WithDescription("Total model-domain faults by speaker."),
	); err != nil {
		return nil, err
	}
	if met.SupervisorState, err = m.Int64Gauge("speakersafetyd_supervisor_state",
		metric.WithDescription("Supervisor state: 0=starting,1=running,2=idle,3=faulted."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordSpeaker publishes one speaker's current thermal/gain snapshot.
func (m *Metrics) RecordSpeaker(ctx context.Context, speaker string, coilC, magnetC, gainDB float64) {
	attrs := metric.WithAttributes(speakerAttr(speaker))
	m.CoilTemp.Record(ctx, coilC, attrs)
	m.MagnetTemp.Record(ctx, magnetC, attrs)
	m.GainCeiling.Record(ctx, gainDB, attrs)
}

// RecordCaptureFault increments the capture-fault counter.
func (m *Metrics) RecordCaptureFault(ctx context.Context) {
	m.CaptureFaults.Add(ctx, 1)
}

// RecordModelFault increments the model-fault counter for a speaker.
func (m *Metrics) RecordModelFault(ctx context.Context, speaker string) {
	m.ModelFaults.Add(ctx, 1, metric.WithAttributes(speakerAttr(speaker)))
}

// RecordState publishes the supervisor's coarse run state.
func (m *Metrics) RecordState(ctx context.Context, state SupervisorState) {
	m.SupervisorState.Record(ctx, int64(state))
}
