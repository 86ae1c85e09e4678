package canonicalize

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestCanonical_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Canonical(input)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Canonical(input)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	input := map[string]interface{}{"q": "a<b>&c"}

	b, err := Canonical(input)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	expected := `{"q":"a<b>&c"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_StructTags(t *testing.T) {
	type payload struct {
		RuleCode string `json:"rule_code"`
		BatchID  string `json:"batch_id"`
	}
	b, err := Canonical(payload{RuleCode: "DUPLICATE_APPROVAL", BatchID: "b-1"})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	expected := `{"batch_id":"b-1","rule_code":"DUPLICATE_APPROVAL"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_NumberPreservation(t *testing.T) {
	raw := []byte(`{"version":1,"ratio":0.25}`)
	var v map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		t.Fatal(err)
	}

	b, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	expected := `{"ratio":0.25,"version":1}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_RejectsNaN(t *testing.T) {
	if _, err := Canonical(map[string]interface{}{"x": math.NaN()}); err == nil {
		t.Fatal("expected error for NaN input")
	}
}

func TestTimestamp_Format(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	got := Timestamp(ts)
	want := "2026-03-14T09:26:53.589793Z"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestTimestamp_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	ts := time.Date(2026, 1, 2, 13, 0, 0, 0, loc)
	got := Timestamp(ts)
	want := "2026-01-02T12:00:00.000000Z"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestSHA256Hex_Format(t *testing.T) {
	h := SHA256Hex("deny")
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
	for _, c := range h {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Fatalf("non lowercase-hex character %q in hash", c)
		}
	}
}

func TestCanonicalHash_Stable(t *testing.T) {
	payload := map[string]interface{}{
		"violation_type": "PROGRESS_WITHOUT_APPROVAL",
		"batch_id":       "9f1c2d3e",
		"detected_at":    "2026-02-01T10:00:00.000000Z",
	}
	h1, err := CanonicalHash(payload)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(payload)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("canonical hash not deterministic: %s vs %s", h1, h2)
	}
}

func TestChainHash_GenesisAndLink(t *testing.T) {
	genesis := ChainHash("", "user-1", "audit", `{"range":"7d"}`, "2026-02-01T10:00:00.000000Z")
	linked := ChainHash(genesis, "user-1", "audit", `{"range":"30d"}`, "2026-02-01T10:00:01.000000Z")
	if genesis == linked {
		t.Fatal("chained hash must differ from genesis hash")
	}
	if ChainHash(genesis, "user-1", "audit", `{"range":"30d"}`, "2026-02-01T10:00:01.000000Z") != linked {
		t.Fatal("chain hash not deterministic")
	}
}
