package protocol

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestCanonicalJSONSortsKeysRecursively(t *testing.T) {
	a := map[string]any{
		"b": 2,
		"a": map[string]any{"z": true, "y": nil},
		"c": []any{"x", map[string]any{"q": 1, "p": 2}},
	}
	got, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":{"y":null,"z":true},"b":2,"c":["x",{"p":2,"q":1}]}`
	if string(got) != want {
		t.Fatalf("CanonicalJSON = %s, want %s", got, want)
	}
}

func TestCanonicalJSONIndependentOfConstructionOrder(t *testing.T) {
	var fromWire map[string]any
	if err := json.Unmarshal([]byte(`{"signers":["ann","bob"],"fields":{"name":"x","amount":10.50},"n":1}`), &fromWire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	built := map[string]any{}
	built["n"] = 1
	built["fields"] = map[string]any{"amount": 10.5, "name": "x"}
	built["signers"] = []string{"ann", "bob"}

	h1, err := HashValue(fromWire)
	if err != nil {
		t.Fatalf("HashValue: %v", err)
	}
	h2, err := HashValue(built)
	if err != nil {
		t.Fatalf("HashValue: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal hashes, got %s and %s", h1, h2)
	}
}

func TestCanonicalJSONEdgeCases(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{map[string]any{}, "{}"},
		{[]any{}, "[]"},
		{"<a&b>", `"<a&b>"`},
		{1.0, "1"},
		{json.Number("1e3"), "1000"},
		{0.25, "0.25"},
		{int64(9007199254740993), "9007199254740993"},
	}
	for _, tc := range cases {
		got, err := CanonicalJSON(tc.in)
		if err != nil {
			t.Fatalf("CanonicalJSON(%v): %v", tc.in, err)
		}
		if string(got) != tc.want {
			t.Fatalf("CanonicalJSON(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalJSONRejectsNonPortableValues(t *testing.T) {
	if _, err := CanonicalJSON(map[string]any{"f": func() {}}); err == nil {
		t.Fatalf("expected func value to be rejected")
	}
	if _, err := CanonicalJSON(map[string]any{"n": math.NaN()}); err == nil {
		t.Fatalf("expected NaN to be rejected")
	}
}

func TestNormalizeMetadataFlattensTypedValues(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	got, err := NormalizeMetadata(map[string]any{"at": ts, "tags": []string{"a"}})
	if err != nil {
		t.Fatalf("NormalizeMetadata: %v", err)
	}
	if _, ok := got["at"].(string); !ok {
		t.Fatalf("expected time to normalize to string, got %T", got["at"])
	}
	if _, ok := got["tags"].([]any); !ok {
		t.Fatalf("expected []string to normalize to []any, got %T", got["tags"])
	}
	empty, err := NormalizeMetadata(nil)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty map for nil metadata, got %v err=%v", empty, err)
	}
}

func TestHashValueAndEqualHex(t *testing.T) {
	h, err := HashValue(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("HashValue: %v", err)
	}
	if h != SHA256Hex([]byte(`{"a":1}`)) {
		t.Fatalf("HashValue must hash the canonical encoding")
	}
	if !EqualHex(h, " "+h+" ") {
		t.Fatalf("expected trimmed digests to compare equal")
	}
	if EqualHex("", "") {
		t.Fatalf("empty digests must not compare equal")
	}
}

func TestBlockHashShapeUsesNullForGenesis(t *testing.T) {
	b := Block{DocumentID: "doc-1", ContentHash: "aaa", Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)}
	shape := b.HashShape(map[string]any{})
	raw, err := CanonicalJSON(shape)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"content_hash":"aaa","document_id":"doc-1","metadata":{},"previous_hash":null,"signature_data":"","timestamp":"2024-01-02T03:04:05.006Z"}`
	if string(raw) != want {
		t.Fatalf("shape = %s, want %s", raw, want)
	}
}
