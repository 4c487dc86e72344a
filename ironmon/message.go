package ironmon

import (
	"encoding/json"
	"fmt"

	"github.com/whisper-darkly/switchboard/retry"
)

// Message is a decoded IronMON Connect message. Payload fields live under
// metadata.
type Message struct {
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata"`
}

// Event is the enriched form published on the events topic.
type Event struct {
	Type          string         `json:"type"`
	Metadata      map[string]any `json:"metadata"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id"`
}

// fieldKind is the expected JSON shape of a required metadata field.
type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindList
	kindMap
)

type fieldSpec struct {
	name string
	kind fieldKind
}

// messageSpecs lists required metadata fields per message type, plus any
// extra constraint. Types absent from the table are rejected.
var messageSpecs = map[string]struct {
	fields []fieldSpec
	extra  func(md map[string]any) error
}{
	"init": {
		fields: []fieldSpec{{"version", kindString}, {"game", kindInt}},
		extra: func(md map[string]any) error {
			g := intOf(md["game"])
			if g < 1 || g > 3 {
				return fmt.Errorf("game %v out of range 1..3", md["game"])
			}
			return nil
		},
	},
	"seed":       {fields: []fieldSpec{{"count", kindInt}}},
	"checkpoint": {fields: []fieldSpec{{"id", kindInt}, {"name", kindString}}},
	"location":   {fields: []fieldSpec{{"id", kindInt}}},
	"battle_start": {
		fields: []fieldSpec{{"trainer", kindString}, {"pokemon", kindList}},
	},
	"battle_end": {
		fields: []fieldSpec{{"result", kindString}, {"pokemon", kindList}},
		extra: func(md map[string]any) error {
			switch md["result"] {
			case "win", "loss", "run":
				return nil
			}
			return fmt.Errorf("result %v not in win/loss/run", md["result"])
		},
	},
	"pokemon_update": {fields: []fieldSpec{{"team", kindList}}},
	"item_update":    {fields: []fieldSpec{{"items", kindList}}},
	"stats_update":   {fields: []fieldSpec{{"stats", kindMap}}},
	"error":          {fields: []fieldSpec{{"code", kindString}, {"message", kindString}}},
	"heartbeat":      {},
}

// decode parses and validates one framed message.
func decode(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, retry.E(retry.KindValidationFailed, "ironmon.decode", err)
	}
	if msg.Type == "" {
		return nil, retry.E(retry.KindValidationFailed, "ironmon.decode", fmt.Errorf("missing type"))
	}

	spec, ok := messageSpecs[msg.Type]
	if !ok {
		return nil, retry.E(retry.KindValidationFailed, "ironmon.decode", fmt.Errorf("unknown type %q", msg.Type))
	}

	for _, f := range spec.fields {
		v, present := msg.Metadata[f.name]
		if !present {
			return nil, retry.E(retry.KindValidationFailed, "ironmon."+msg.Type,
				fmt.Errorf("missing required field %q", f.name))
		}
		if !kindMatches(v, f.kind) {
			return nil, retry.E(retry.KindValidationFailed, "ironmon."+msg.Type,
				fmt.Errorf("field %q has wrong type", f.name))
		}
	}
	if spec.extra != nil {
		if err := spec.extra(msg.Metadata); err != nil {
			return nil, retry.E(retry.KindValidationFailed, "ironmon."+msg.Type, err)
		}
	}
	return &msg, nil
}

func kindMatches(v any, k fieldKind) bool {
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindInt:
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case kindList:
		_, ok := v.([]any)
		return ok
	case kindMap:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func intOf(v any) int {
	f, _ := v.(float64)
	return int(f)
}
