package serialize

import (
	"encoding/json"
	"reflect"
)

// JSONSerializer is the default Serializer, grounded on
// pkg/utils.MarshalEntry/UnmarshalEntry (stdlib encoding/json, chosen there
// for portability and debuggability over a binary format).
type JSONSerializer struct {
	forcedKind DateTimeKind
}

// NewJSONSerializer creates a JSONSerializer. kind overrides how decoded
// instants are normalized; pass KindUnset for no override.
func NewJSONSerializer(kind DateTimeKind) *JSONSerializer {
	return &JSONSerializer{forcedKind: kind}
}

// Marshal wraps v in the single-field envelope and encodes it as JSON,
// ticks-encoding any time.Time reachable inside v so it survives as a
// 64-bit tick count rather than an RFC3339 string.
func (s *JSONSerializer) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(envelope{Value: toWireInterface(v)})
}

// Unmarshal tries the wrapped envelope form first, falling back to
// decoding data directly as the raw payload (legacy, unwrapped data).
// Either way, decoding happens into out's wire shape and every tick count
// is converted back into a time.Time normalized to s.ForcedKind().
func (s *JSONSerializer) Unmarshal(data []byte, out interface{}) error {
	outVal := reflect.ValueOf(out)
	if outVal.Kind() != reflect.Ptr || outVal.IsNil() {
		return json.Unmarshal(data, out)
	}
	origType := outVal.Elem().Type()
	wt, _ := wireType(origType)
	wireInst := reflect.New(wt)

	var wrapper struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Value) > 0 {
		if err2 := json.Unmarshal(wrapper.Value, wireInst.Interface()); err2 == nil {
			outVal.Elem().Set(fromWireValue(wireInst.Elem(), origType, s.forcedKind))
			return nil
		}
	}
	if err := json.Unmarshal(data, wireInst.Interface()); err != nil {
		return err
	}
	outVal.Elem().Set(fromWireValue(wireInst.Elem(), origType, s.forcedKind))
	return nil
}

// ForcedKind returns the configured DateTimeKind override.
func (s *JSONSerializer) ForcedKind() DateTimeKind { return s.forcedKind }
