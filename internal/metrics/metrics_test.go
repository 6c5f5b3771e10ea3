package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsExposedViaHandler(t *testing.T) {
	m := New(2)
	m.AcceptedFrames.Store(10)
	m.WrittenFrames.Store(9)
	m.ShardWrittenBytes[0].Store(100)
	m.ShardWrittenBytes[1].Store(200)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"rawcapture_accepted_frames_total 10",
		"rawcapture_written_frames_total 9",
		`rawcapture_shard_written_bytes_total{shard="0"} 100`,
		`rawcapture_shard_written_bytes_total{shard="1"} 200`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
