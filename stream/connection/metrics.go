package connection

import (
	"github.com/VictoriaMetrics/metrics"
	"io"
	"sync/atomic"
)

// Connection level counters, shared by all connections of the process
var (
	framesWritten     = metrics.NewCounter("dstream_frames_written_total")
	framesRead        = metrics.NewCounter("dstream_frames_read_total")
	bytesWritten      = metrics.NewCounter("dstream_bytes_written_total")
	bytesRead         = metrics.NewCounter("dstream_bytes_read_total")
	decodeErrors      = metrics.NewCounter("dstream_decode_errors_total")
	readFailures      = metrics.NewCounter("dstream_read_failures_total")
	heartbeatsSent    = metrics.NewCounter("dstream_heartbeats_sent_total")
	heartbeatTimeouts = metrics.NewCounter("dstream_heartbeat_timeouts_total")
	connectionsOpened = metrics.NewCounter("dstream_connections_opened_total")
	connectionsClosed = metrics.NewCounter("dstream_connections_closed_total")
	handshakeFailures = metrics.NewCounter("dstream_handshake_failures_total")
	metadataUpdates   = metrics.NewCounter("dstream_metadata_updates_total")
	pendingRequests   atomic.Int64
	_                 = metrics.NewGauge("dstream_pending_requests", func() float64 { return float64(pendingRequests.Load()) })
)

// WriteMetrics writes all connection metrics in Prometheus text format
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
