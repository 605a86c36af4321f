package metrics

import "marketlens/logger"

// DropMetric names the metric emitted when a value is discarded.
type DropMetric string

const (
	// DropMetricBook counts book snapshots evicted from a full channel.
	DropMetricBook DropMetric = "book_snapshots_dropped"
	// DropMetricTrades counts trade snapshots evicted from a full channel.
	DropMetricTrades DropMetric = "trade_snapshots_dropped"
	// DropMetricState counts state changes evicted from a full channel.
	DropMetricState DropMetric = "state_changes_dropped"
	// DropMetricUnsequenced counts table frames that arrived before the
	// table's partial.
	DropMetricUnsequenced DropMetric = "unsequenced_frames_dropped"
	// DropMetricDecode counts frames that failed to decode.
	DropMetricDecode DropMetric = "undecodable_frames_dropped"
)

// EmitDropMetric records one dropped value. symbol and stage are attached
// when set.
func EmitDropMetric(log *logger.Log, metric DropMetric, symbol, stage string) {
	fields := logger.Fields{}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}
	drops.WithLabelValues(string(metric)).Inc()
	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
