package main

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/MrEthical07/gatekeeper"
	gkotel "github.com/MrEthical07/gatekeeper/metrics/export/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// otelMetrics owns a pull-only meter provider fed by the engine counters.
type otelMetrics struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
	exporter *gkotel.Exporter
}

func newOTelMetrics(engine *gatekeeper.Engine) (*otelMetrics, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	exp, err := gkotel.New(provider.Meter(gkotel.ScopeName), engine)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	return &otelMetrics{reader: reader, provider: provider, exporter: exp}, nil
}

// otelPoint is one collected series in the JSON view.
type otelPoint struct {
	Name       string            `json:"name"`
	Unit       string            `json:"unit,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      int64             `json:"value"`
}

// Collect reads one cycle and flattens it into points sorted by name.
func (m *otelMetrics) Collect(ctx context.Context) ([]otelPoint, error) {
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	var out []otelPoint
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			var points []metricdata.DataPoint[int64]
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				points = data.DataPoints
			case metricdata.Gauge[int64]:
				points = data.DataPoints
			}
			for _, p := range points {
				pt := otelPoint{Name: md.Name, Unit: md.Unit, Value: p.Value}
				if p.Attributes.Len() > 0 {
					pt.Attributes = make(map[string]string, p.Attributes.Len())
					for _, kv := range p.Attributes.ToSlice() {
						pt.Attributes[string(kv.Key)] = kv.Value.Emit()
					}
				}
				out = append(out, pt)
			}
		}
	}
	slices.SortStableFunc(out, func(a, b otelPoint) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// Handler serves the latest collection as JSON.
func (m *otelMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		points, err := m.Collect(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody("internal", ""))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"scope": gkotel.ScopeName, "metrics": points})
	})
}

// Close unregisters the callback and shuts the provider down.
func (m *otelMetrics) Close() error {
	return errors.Join(m.exporter.Close(), m.provider.Shutdown(context.Background()))
}
