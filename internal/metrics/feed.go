package metrics

import (
	"strconv"
	"strings"

	"marketlens/logger"
)

// FeedErrorKind classifies an error frame reported by the feed.
type FeedErrorKind string

const (
	FeedErrorRateLimit FeedErrorKind = "rate_limit_exceeded"
	FeedErrorBusy      FeedErrorKind = "server_busy"
	FeedErrorBan       FeedErrorKind = "ip_ban"
	FeedErrorOther     FeedErrorKind = "feed_error"
)

// ClassifyFeedError maps a status and message to a kind. The status wins;
// the message is only consulted when the status is missing or generic.
func ClassifyFeedError(status int, msg string) FeedErrorKind {
	switch status {
	case 429:
		return FeedErrorRateLimit
	case 503:
		return FeedErrorBusy
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "ip") && (strings.Contains(lower, "ban") || strings.Contains(lower, "blocked")):
		return FeedErrorBan
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return FeedErrorRateLimit
	case strings.Contains(lower, "busy") || strings.Contains(lower, "overloaded"):
		return FeedErrorBusy
	}
	return FeedErrorOther
}

// ReportFeedError logs and counts one feed reported error.
func ReportFeedError(log *logger.Log, symbol string, status int, msg string) FeedErrorKind {
	if log == nil {
		log = logger.GetLogger()
	}
	kind := ClassifyFeedError(status, msg)
	fields := logger.Fields{
		"symbol": symbol,
		"status": strconv.Itoa(status),
		"kind":   string(kind),
	}
	EmitMetric(log, "feed", string(kind), int64(1), "counter", fields)

	entry := log.WithComponent("feed").WithFields(fields).WithField("error_message", msg)
	switch kind {
	case FeedErrorBan, FeedErrorOther:
		entry.Error("feed reported error")
	default:
		entry.Warn("feed reported error")
	}
	return kind
}
