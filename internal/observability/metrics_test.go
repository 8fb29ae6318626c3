package observability

import (
	"testing"
	"time"

	"github.com/danmuck/framebus/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("framebusd", "GET", "/health", 200, 12*time.Millisecond)
	RecordFrame(DirectionIn, "Ping", 29)
	RecordFrame(DirectionOut, "", 20)
	RecordReject(DirectionIn, "payload", "unknown_kind")
	RecordDispatch("Ping", time.Millisecond, true)
	StreamOpened()
	StreamClosed()
	SetPending("multsender", 3)
	RecordResend("multsender", 2)
}

func TestRecordFrameCountsByKind(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(frames.WithLabelValues(DirectionIn, "Pong"))
	RecordFrame(DirectionIn, "Pong", 30)
	RecordFrame(DirectionIn, "Pong", 30)
	if got := testutil.ToFloat64(frames.WithLabelValues(DirectionIn, "Pong")); got != before+2 {
		t.Fatalf("expected %v, got %v", before+2, got)
	}
	if got := kindLabel(""); got != "unregistered" {
		t.Fatalf("unexpected empty kind label %q", got)
	}
}
