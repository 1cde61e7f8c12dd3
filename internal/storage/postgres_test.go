package storage

import (
	"testing"
)

// The COPY protocol carries no column type information, so lib/pq
// bytea-hex encodes every []byte it is handed. JSONB values therefore
// have to reach the driver as text on the batch insert path; a []byte
// here would make Postgres reject every metric batch.
func TestMarshalLabelsProducesText(t *testing.T) {
	labels, err := marshalLabels(map[string]string{"region": "eu-west"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if labels != `{"region":"eu-west"}` {
		t.Fatalf("unexpected JSON: %s", labels)
	}
}

func TestMarshalLabelsNilMap(t *testing.T) {
	labels, err := marshalLabels(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if labels != "{}" {
		t.Fatalf("nil labels = %q, want empty JSON object", labels)
	}
}

func TestUnmarshalLabelsRoundTrip(t *testing.T) {
	in := map[string]string{"env": "prod", "zone": "a"}
	data, err := marshalLabels(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out map[string]string
	if err := unmarshalLabels([]byte(data), &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out["env"] != "prod" || out["zone"] != "a" {
		t.Fatalf("round trip mismatch: %v", out)
	}
}

func TestUnmarshalLabelsEmptyInput(t *testing.T) {
	var out map[string]string
	if err := unmarshalLabels(nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Fatalf("empty input should leave destination untouched, got %v", out)
	}
}
