// Package prometheus renders gatekeeper counters in the Prometheus text
// exposition format.
//
// The exporter reads Engine.MetricsSnapshot on every scrape; nothing is
// registered globally and callers mount Handler wherever they like.
package prometheus
