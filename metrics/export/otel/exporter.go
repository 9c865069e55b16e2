package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope callers should request their Meter
// under.
const ScopeName = "github.com/MrEthical07/gatekeeper"

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Source is what the exporter reads on every collection. *gatekeeper.Engine
// satisfies it.
type Source interface {
	MetricsSnapshot() gatekeeper.MetricsSnapshot
	AuditDropped() uint64
}

// Exporter keeps the callback registration alive until Close.
type Exporter struct {
	source       Source
	registration metric.Registration
	counters     []observedFamily
	histograms   []observedHistogram
	auditDropped metric.Int64ObservableCounter
}

type observedFamily struct {
	instrument metric.Int64ObservableCounter
	members    []observedMember
}

type observedMember struct {
	id    gatekeeper.MetricID
	attrs metric.ObserveOption
}

type observedHistogram struct {
	id      gatekeeper.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
	bounds  [internaldefs.BucketCount]metric.ObserveOption
}

// New registers one counter per family and one gauge pair per latency
// histogram on meter.
func New(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exp := &Exporter{
		source:     source,
		counters:   make([]observedFamily, 0, len(Families)),
		histograms: make([]observedHistogram, 0, len(Histograms)),
	}
	observables := make([]metric.Observable, 0, len(Families)+2*len(Histograms)+1)

	for _, fam := range Families {
		ins, err := meter.Int64ObservableCounter(fam.Name,
			metric.WithDescription(fam.Help),
			metric.WithUnit(fam.Unit),
		)
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", fam.Name, err)
		}
		of := observedFamily{instrument: ins, members: make([]observedMember, 0, len(fam.Members))}
		for _, m := range fam.Members {
			of.members = append(of.members, observedMember{
				id:    m.ID,
				attrs: metric.WithAttributeSet(attribute.NewSet(attribute.String(fam.Attribute, m.Value))),
			})
		}
		exp.counters = append(exp.counters, of)
		observables = append(observables, ins)
	}

	for _, hist := range Histograms {
		buckets, err := meter.Int64ObservableGauge(hist.Name+".bucket",
			metric.WithDescription("Cumulative sample count per upper bound. "+hist.Help),
		)
		if err != nil {
			return nil, fmt.Errorf("create bucket gauge %s: %w", hist.Name, err)
		}
		count, err := meter.Int64ObservableGauge(hist.Name+".count",
			metric.WithDescription("Total sample count. "+hist.Help),
		)
		if err != nil {
			return nil, fmt.Errorf("create count gauge %s: %w", hist.Name, err)
		}
		oh := observedHistogram{id: hist.ID, buckets: buckets, count: count}
		for i, le := range internaldefs.HistogramBounds {
			oh.bounds[i] = metric.WithAttributeSet(attribute.NewSet(attribute.String("le", le)))
		}
		exp.histograms = append(exp.histograms, oh)
		observables = append(observables, buckets, count)
	}

	dropped, err := meter.Int64ObservableCounter("gatekeeper.audit.dropped",
		metric.WithDescription("Audit events dropped because the sink queue was full."),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exp.auditDropped = dropped
	observables = append(observables, dropped)

	reg, err := meter.RegisterCallback(exp.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	exp.registration = reg
	return exp, nil
}

// observe reads one snapshot so every series in a cycle agrees.
func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()
	for _, fam := range e.counters {
		for _, m := range fam.members {
			o.ObserveInt64(fam.instrument, int64(snap.Counters[m.id]), m.attrs)
		}
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[h.id]))
		for i, v := range cumulative {
			o.ObserveInt64(h.buckets, int64(v), h.bounds[i])
		}
		o.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

// Close unregisters the callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
