package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"mailrelay/internal/model"
)

func TestSummarize_CountsByTypeAndWindow(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0).UTC()
	items := []model.Delivery{
		{Timestamp: base.Add(-time.Hour), Type: "MESSAGE", Outcome: model.OutcomeForwarded},
		{Timestamp: base, Type: "EMAIL_SEND", Outcome: model.OutcomeForwarded},
		{Timestamp: base.Add(time.Minute), Type: "EMAIL_SEND", Outcome: model.OutcomeDropped, Reason: "offline"},
		{Timestamp: base.Add(2 * time.Minute), Type: "MESSAGE", Outcome: model.OutcomeDropped, Reason: "unbound"},
	}

	s := Summarize(items, base)
	if s.Count != 3 {
		t.Fatalf("count=%d", s.Count)
	}
	if s.Forwarded != 1 || s.Dropped != 2 {
		t.Fatalf("forwarded=%d dropped=%d", s.Forwarded, s.Dropped)
	}
	if got := s.ByType["EMAIL_SEND"]; got.Forwarded != 1 || got.Dropped != 1 {
		t.Fatalf("EMAIL_SEND=%+v", got)
	}
	if !s.From.Equal(base) || !s.To.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("window=%v..%v", s.From, s.To)
	}
	if types := s.Types(); len(types) != 2 || types[0] != "EMAIL_SEND" {
		t.Fatalf("types=%v", types)
	}
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	s := Summarize(nil, time.Time{})
	if s.Count != 0 || s.Forwarded != 0 || s.Dropped != 0 {
		t.Fatalf("summary=%+v", s)
	}
}

func TestRecordForward_IncrementsCounter(t *testing.T) {
	ForwardsTotal.Reset()
	DropsTotal.Reset()

	RecordForward("EMAIL_SEND")
	if got := testutil.ToFloat64(ForwardsTotal.WithLabelValues("EMAIL_SEND")); got != 1.0 {
		t.Fatalf("forwards=%f", got)
	}

	RecordDrop("MESSAGE", "offline")
	if got := testutil.ToFloat64(DropsTotal.WithLabelValues("MESSAGE", "offline")); got != 1.0 {
		t.Fatalf("drops=%f", got)
	}
	if got := testutil.ToFloat64(ForwardsTotal.WithLabelValues("EMAIL_SEND")); got != 1.0 {
		t.Fatalf("forwards after drop=%f", got)
	}
}
