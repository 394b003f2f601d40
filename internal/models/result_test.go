package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFieldValueDecodeRestoresKinds(t *testing.T) {
	payload := []byte(`{
		"title": "Widget",
		"count": 42,
		"price": 19.99,
		"in_stock": true,
		"released": "2024-03-01T12:00:00Z",
		"tags": ["a", "b"],
		"raw": {"nested": 1},
		"missing": null
	}`)

	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if rec["title"].Kind != KindString || rec["title"].Str != "Widget" {
		t.Errorf("Expected string Widget, got %v", rec["title"])
	}
	if rec["count"].Kind != KindInt || rec["count"].Int != 42 {
		t.Errorf("Expected int 42, got %v", rec["count"])
	}
	if rec["price"].Kind != KindFloat || rec["price"].Float != 19.99 {
		t.Errorf("Expected float 19.99, got %v", rec["price"])
	}
	if rec["in_stock"].Kind != KindBool || !rec["in_stock"].Bool {
		t.Errorf("Expected bool true, got %v", rec["in_stock"])
	}
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if rec["released"].Kind != KindTime || !rec["released"].Time.Equal(want) {
		t.Errorf("Expected time %v, got %v", want, rec["released"])
	}
	if rec["tags"].Kind != KindList || len(rec["tags"].List) != 2 {
		t.Errorf("Expected list of 2, got %v", rec["tags"])
	}
	if rec["raw"].Kind != KindJSON {
		t.Errorf("Expected raw JSON kind, got %v", rec["raw"].Kind)
	}
	if !rec["missing"].IsNull() {
		t.Errorf("Expected null, got %v", rec["missing"])
	}
}

func TestFieldValueRoundTripSurvivesBronzeEncoding(t *testing.T) {
	rec := Record{
		"name":  StringValue("gadget"),
		"qty":   IntValue(7),
		"score": FloatValue(0.5),
		"seen":  TimeValue(time.Date(2024, 6, 15, 8, 30, 0, 0, time.UTC)),
		"flags": ListValue([]string{"new", "sale"}),
		"empty": Null(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded Record
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	for name, orig := range rec {
		got, ok := decoded[name]
		if !ok {
			t.Errorf("Field %s lost in round trip", name)
			continue
		}
		if got.Kind != orig.Kind {
			t.Errorf("Field %s: kind %d became %d", name, orig.Kind, got.Kind)
		}
	}
	if !decoded["seen"].Time.Equal(rec["seen"].Time) {
		t.Errorf("Timestamp drifted: %v vs %v", decoded["seen"].Time, rec["seen"].Time)
	}
}
