// Package internaldefs holds the metric names, help strings and bucket
// boundaries shared by the exporters so every backend publishes the same
// series.
package internaldefs
