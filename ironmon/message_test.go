package ironmon

import (
	"testing"

	"github.com/whisper-darkly/switchboard/retry"
)

func TestDecodeValidMessages(t *testing.T) {
	cases := []string{
		`{"type":"init","metadata":{"version":"1.0.0","game":1}}`,
		`{"type":"seed","metadata":{"count":7}}`,
		`{"type":"checkpoint","metadata":{"id":3,"name":"Rival 1"}}`,
		`{"type":"checkpoint","metadata":{"id":3,"name":"Rival 1","seed":42}}`,
		`{"type":"location","metadata":{"id":12}}`,
		`{"type":"battle_start","metadata":{"trainer":"Brock","pokemon":["onix"]}}`,
		`{"type":"battle_end","metadata":{"result":"win","pokemon":["onix"]}}`,
		`{"type":"pokemon_update","metadata":{"team":[]}}`,
		`{"type":"item_update","metadata":{"items":["potion"]}}`,
		`{"type":"stats_update","metadata":{"stats":{"hp":20}}}`,
		`{"type":"error","metadata":{"code":"E1","message":"boom"}}`,
		`{"type":"heartbeat"}`,
	}
	for _, raw := range cases {
		if _, err := decode([]byte(raw)); err != nil {
			t.Errorf("%s: %v", raw, err)
		}
	}
}

func TestDecodeRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `5 hello`},
		{"missing type", `{"metadata":{}}`},
		{"unknown type", `{"type":"mystery","metadata":{}}`},
		{"init missing game", `{"type":"init","metadata":{"version":"1.0.0"}}`},
		{"init game zero", `{"type":"init","metadata":{"version":"1.0.0","game":0}}`},
		{"init game four", `{"type":"init","metadata":{"version":"1.0.0","game":4}}`},
		{"init game fractional", `{"type":"init","metadata":{"version":"1.0.0","game":1.5}}`},
		{"seed count string", `{"type":"seed","metadata":{"count":"7"}}`},
		{"checkpoint missing name", `{"type":"checkpoint","metadata":{"id":3}}`},
		{"battle_end bad result", `{"type":"battle_end","metadata":{"result":"draw","pokemon":[]}}`},
		{"battle_start pokemon not list", `{"type":"battle_start","metadata":{"trainer":"x","pokemon":"onix"}}`},
		{"stats not map", `{"type":"stats_update","metadata":{"stats":[1,2]}}`},
	}
	for _, tc := range cases {
		if _, err := decode([]byte(tc.raw)); retry.KindOf(err) != retry.KindValidationFailed {
			t.Errorf("%s: expected validation_failed, got %v", tc.name, err)
		}
	}
}
