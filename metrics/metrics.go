// Package metrics defines prometheus metric types and convenience methods
// for instrumenting the router and message codec.
//
// When defining new operations or metrics, these are helpful values to
// track:
//  - things coming into or going out of the system: calls, replies, signals.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallsSentCounter tracks messages of any type handed to the writer by
	// Send/SendAndGetReply, labeled by whether a reply was requested.
	CallsSentCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busmux_calls_sent_total",
			Help: "messages sent, by whether a reply was requested",
		},
		[]string{"reply_expected"})

	// RepliesMatchedCounter tracks method_return/error frames that matched a
	// pending call.
	RepliesMatchedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busmux_replies_matched_total",
			Help: "method_return/error messages matched to a pending call",
		})

	// RepliesUnmatchedCounter tracks method_return/error frames whose
	// reply_serial did not match any pending call.
	RepliesUnmatchedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busmux_replies_unmatched_total",
			Help: "method_return/error messages with no matching pending call",
		})

	// CallTimeoutsCounter tracks pending calls that were failed by their
	// timeout instead of a reply.
	CallTimeoutsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busmux_call_timeouts_total",
			Help: "pending calls that timed out waiting for a reply",
		})

	// FilterDeliveredCounter tracks messages handed to a filter's sink.
	FilterDeliveredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busmux_filter_delivered_total",
			Help: "messages delivered to a filter subscription",
		})

	// FilterDroppedCounter tracks messages dropped because a filter's
	// bounded sink was full.
	FilterDroppedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busmux_filter_dropped_total",
			Help: "messages dropped from a filter subscription because its buffer was full",
		})

	// FramesParsedHistogram tracks the size, in bytes, of frames the stream
	// parser successfully decoded.
	FramesParsedHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "busmux_frame_bytes_histogram",
			Help:    "size in bytes of successfully parsed D-Bus frames",
			Buckets: prometheus.ExponentialBuckets(16, 2, 16),
		})

	// FrameParseErrorsCounter tracks fatal stream-parser errors, labeled by
	// a short error class.
	FrameParseErrorsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busmux_frame_parse_errors_total",
			Help: "fatal stream parser errors, by class",
		},
		[]string{"class"})

	// SASLOutcomeCounter tracks how handshakes ended.
	SASLOutcomeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busmux_sasl_outcome_total",
			Help: "SASL handshakes, by outcome (authenticated, rejected)",
		},
		[]string{"outcome"})

	// PendingCallsGauge tracks the current size of the pending-reply table.
	PendingCallsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "busmux_pending_calls",
			Help: "number of method calls currently awaiting a reply",
		})
)
