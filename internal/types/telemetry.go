package types

// Telemetry metric names for CloudWatch.
const (
	MetricRefreshLatency = "RefreshLatency"
	MetricRefreshFailure = "RefreshFailure"
	MetricSegmentCount   = "SegmentCount"
	MetricActiveRun      = "ActiveRun"
	MetricNetPower       = "NetPower"

	DimSession   = "Session"
	DimErrorCode = "ErrorCode"

	MetricNamespace = "LoadIQ"
)
