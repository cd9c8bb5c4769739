package serialize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type testUser struct {
	Name string `json:"name" msgpack:"name"`
	Bio  string `json:"bio" msgpack:"bio"`
}

type testEvent struct {
	Name      string    `json:"name" msgpack:"name"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
}

func TestJSONSerializerRoundTrip(t *testing.T) {
	s := NewJSONSerializer(KindUnset)
	in := testUser{Name: "octocat", Bio: "cool"}

	data, err := s.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out testUser
	if err := s.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestJSONSerializerLegacyUnwrappedFallback(t *testing.T) {
	s := NewJSONSerializer(KindUnset)
	legacy := []byte(`{"name":"octocat","bio":"cool"}`)

	var out testUser
	if err := s.Unmarshal(legacy, &out); err != nil {
		t.Fatalf("Unmarshal legacy: %v", err)
	}
	if out.Name != "octocat" || out.Bio != "cool" {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestMsgPackSerializerRoundTrip(t *testing.T) {
	s := NewMsgPackSerializer(KindUnset)
	in := testUser{Name: "mona", Bio: "lisa"}

	data, err := s.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out testUser
	if err := s.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestTickRoundTrip(t *testing.T) {
	want := time.Date(2024, time.March, 5, 12, 30, 0, 0, time.UTC)
	ticks := ToTicks(want)
	got := FromTicks(ticks)
	if !got.Equal(want) {
		t.Fatalf("tick round trip mismatch: got %v want %v", got, want)
	}
}

func TestTickNeverExpires(t *testing.T) {
	if ToTicks(time.Time{}) != MaxTicks {
		t.Fatalf("zero time should encode as MaxTicks")
	}
	if !FromTicks(MaxTicks).Equal(NeverTime) {
		t.Fatalf("MaxTicks should decode to NeverTime")
	}
}

// TestJSONSerializerTicksEncodesTimeField confirms a time.Time struct field
// hits the wire as a tick count, not an RFC3339 string.
func TestJSONSerializerTicksEncodesTimeField(t *testing.T) {
	s := NewJSONSerializer(KindUnset)
	want := time.Date(2024, time.March, 5, 12, 30, 0, 0, time.UTC)
	in := testEvent{Name: "deploy", CreatedAt: want}

	data, err := s.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw struct {
		Value struct {
			CreatedAt json.Number `json:"created_at"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("inspecting wire form: %v", err)
	}
	gotTicks, err := raw.Value.CreatedAt.Int64()
	if err != nil || gotTicks != ToTicks(want) {
		t.Fatalf("expected created_at encoded as a tick count %d, got %q", ToTicks(want), raw.Value.CreatedAt)
	}

	var out testEvent
	if err := s.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Name != in.Name || !out.CreatedAt.Equal(want) {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

// TestMsgPackSerializerTicksEncodesTimeField is the MessagePack counterpart:
// the wire form carries an int64 tick count rather than msgpack's own time
// extension type.
func TestMsgPackSerializerTicksEncodesTimeField(t *testing.T) {
	s := NewMsgPackSerializer(KindUnset)
	want := time.Date(2024, time.March, 5, 12, 30, 0, 0, time.UTC)
	in := testEvent{Name: "deploy", CreatedAt: want}

	data, err := s.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw struct {
		Value struct {
			CreatedAt int64 `msgpack:"created_at"`
		} `msgpack:"value"`
	}
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		t.Fatalf("inspecting wire form: %v", err)
	}
	if raw.Value.CreatedAt != ToTicks(want) {
		t.Fatalf("expected created_at encoded as tick count %d, got %d", ToTicks(want), raw.Value.CreatedAt)
	}

	var out testEvent
	if err := s.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Name != in.Name || !out.CreatedAt.Equal(want) {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

// TestSerializersNormalizeTimeFieldByForcedKind exercises a time.Time
// struct field's round trip under every DateTimeKind, for both wire
// formats, confirming the decoded instant is both correct and normalized
// to the configured kind.
func TestSerializersNormalizeTimeFieldByForcedKind(t *testing.T) {
	want := time.Date(2024, 6, 1, 8, 0, 0, 0, time.FixedZone("TEST", 3*3600))
	kinds := []DateTimeKind{KindUnset, KindUTC, KindLocal, KindUnspecified}

	for _, kind := range kinds {
		in := testEvent{Name: "x", CreatedAt: want}

		jsonSerializer := NewJSONSerializer(kind)
		data, err := jsonSerializer.Marshal(in)
		if err != nil {
			t.Fatalf("kind %v: JSON Marshal: %v", kind, err)
		}
		var jsonOut testEvent
		if err := jsonSerializer.Unmarshal(data, &jsonOut); err != nil {
			t.Fatalf("kind %v: JSON Unmarshal: %v", kind, err)
		}
		assertNormalizedTimeField(t, kind, jsonOut.CreatedAt, want)

		msgpackSerializer := NewMsgPackSerializer(kind)
		data, err = msgpackSerializer.Marshal(in)
		if err != nil {
			t.Fatalf("kind %v: MsgPack Marshal: %v", kind, err)
		}
		var msgpackOut testEvent
		if err := msgpackSerializer.Unmarshal(data, &msgpackOut); err != nil {
			t.Fatalf("kind %v: MsgPack Unmarshal: %v", kind, err)
		}
		assertNormalizedTimeField(t, kind, msgpackOut.CreatedAt, want)
	}
}

func assertNormalizedTimeField(t *testing.T, kind DateTimeKind, got, want time.Time) {
	t.Helper()
	if !got.Equal(want) {
		t.Fatalf("kind %v: instant changed: got %v want %v", kind, got, want)
	}
	switch kind {
	case KindUTC:
		if got.Location() != time.UTC {
			t.Fatalf("KindUTC should normalize location to UTC, got %v", got.Location())
		}
	case KindLocal, KindUnspecified:
		if got.Location() != time.Local {
			t.Fatalf("kind %v should normalize location to Local, got %v", kind, got.Location())
		}
	}
}

func TestNormalizeTime(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := NormalizeTime(t0, KindUnset); !got.Equal(t0) {
		t.Fatalf("KindUnset should not change the instant")
	}
	if got := NormalizeTime(t0, KindUTC); got.Location() != time.UTC {
		t.Fatalf("KindUTC should normalize to UTC, got %v", got.Location())
	}
}
