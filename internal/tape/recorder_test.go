package tape

import (
	"testing"
)

func TestParseFrameAcceptsSingleObject(t *testing.T) {
	t.Parallel()
	objs, err := parseFrame([]byte(`{"event_type": "book", "asset_id": "a1"}`))
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	if len(objs) != 1 {
		t.Fatalf("len(objs) = %d, want 1", len(objs))
	}
	if objs[0]["asset_id"] != "a1" {
		t.Errorf("asset_id = %v, want a1", objs[0]["asset_id"])
	}
}

func TestParseFrameAcceptsTopLevelArray(t *testing.T) {
	t.Parallel()
	objs, err := parseFrame([]byte(`[{"event_type": "book"}, {"event_type": "price_change"}]`))
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("len(objs) = %d, want 2", len(objs))
	}
}

func TestParseFrameRejectsMalformedJSON(t *testing.T) {
	t.Parallel()
	if _, err := parseFrame([]byte(`not json`)); err == nil {
		t.Fatal("expected an error for malformed json")
	}
}

func TestNormalizeAssignsSeqAndEnvelope(t *testing.T) {
	t.Parallel()
	seq := int64(0)
	next := func() int64 { seq++; return seq }

	evt := Normalize(map[string]any{"event_type": "book", "asset_id": "a1"}, 123.5, next)
	if evt == nil {
		t.Fatal("expected a non-nil event for a known event_type")
	}
	if evt.Seq() != 1 {
		t.Errorf("seq = %d, want 1", evt.Seq())
	}
	if evt.TsRecv() != 123.5 {
		t.Errorf("ts_recv = %v, want 123.5", evt.TsRecv())
	}
	if evt.EventType() != "book" {
		t.Errorf("event_type = %s, want book", evt.EventType())
	}
}

func TestNormalizeAcceptsTypeAlias(t *testing.T) {
	t.Parallel()
	next := func() int64 { return 1 }
	evt := Normalize(map[string]any{"type": "price_change"}, 1.0, next)
	if evt == nil {
		t.Fatal("expected the \"type\" alias to be accepted")
	}
	if evt.EventType() != "price_change" {
		t.Errorf("event_type = %s, want price_change", evt.EventType())
	}
}

func TestNormalizeDropsUnknownEventType(t *testing.T) {
	t.Parallel()
	next := func() int64 { return 1 }
	evt := Normalize(map[string]any{"event_type": "market_resolved"}, 1.0, next)
	if evt != nil {
		t.Errorf("expected unknown event_type to be dropped, got %+v", evt)
	}
}
