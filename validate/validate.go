// Package validate screens inbound provider events before publication.
// Every event passes the universal caps; known Twitch event types are
// additionally checked against a per-type schema. A failed event is dropped
// by the caller and never published.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/whisper-darkly/switchboard/retry"
)

// Universal caps.
const (
	MaxPayloadBytes  = 100 << 10 // whole payload
	MaxStringBytes   = 2 << 10   // any string field
	MaxChatTextBytes = 500       // chat message text
	MaxArrayItems    = 100
	MaxUnknownKeys   = 50 // top-level keys for unknown event types
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{1,25}$`)

// Validator screens events. Safe for concurrent use.
type Validator struct {
	v *validator.Validate
}

// New builds a Validator with the custom Twitch field rules registered.
func New() *Validator {
	v := validator.New()
	v.RegisterValidation("numstr", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return false
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	})
	v.RegisterValidation("twitchname", func(fl validator.FieldLevel) bool {
		return usernameRe.MatchString(fl.Field().String())
	})
	v.RegisterValidation("iso8601", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(time.RFC3339, fl.Field().String())
		return err == nil
	})
	return &Validator{v: v}
}

// Event validates raw as an instance of eventType and returns the decoded
// payload on success. The error kind is always validation_failed.
func (val *Validator) Event(eventType string, raw []byte) (map[string]any, error) {
	if len(raw) > MaxPayloadBytes {
		return nil, fail(eventType, fmt.Sprintf("payload %d bytes exceeds %d", len(raw), MaxPayloadBytes))
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fail(eventType, "payload is not a JSON object: "+err.Error())
	}

	known := schemas[eventType] != nil
	var errs []string
	capCheck(payload, 0, known, eventType, &errs)
	if !known && len(payload) > MaxUnknownKeys {
		errs = append(errs, fmt.Sprintf("%d top-level keys exceeds %d for unknown type", len(payload), MaxUnknownKeys))
	}

	if known {
		errs = append(errs, val.schemaCheck(eventType, raw)...)
	}

	if len(errs) > 0 {
		return nil, fail(eventType, strings.Join(errs, "; "))
	}
	return payload, nil
}

func fail(eventType, msg string) error {
	return retry.E(retry.KindValidationFailed, "validate."+eventType, fmt.Errorf("%s", msg))
}

// capCheck walks the decoded payload enforcing the universal caps.
func capCheck(v any, depth int, known bool, eventType string, errs *[]string) {
	if depth > 8 {
		*errs = append(*errs, "nesting too deep")
		return
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if hasControl(k) {
				*errs = append(*errs, fmt.Sprintf("control character in identifier %q", k))
			}
			if s, ok := child.(string); ok {
				limit := MaxStringBytes
				if eventType == "channel.chat.message" && k == "text" {
					limit = MaxChatTextBytes
				}
				if len(s) > limit {
					*errs = append(*errs, fmt.Sprintf("field %q: %d bytes exceeds %d", k, len(s), limit))
				}
				continue
			}
			capCheck(child, depth+1, known, eventType, errs)
		}
	case []any:
		if len(t) > MaxArrayItems {
			*errs = append(*errs, fmt.Sprintf("array of %d items exceeds %d", len(t), MaxArrayItems))
			return
		}
		for _, child := range t {
			capCheck(child, depth+1, known, eventType, errs)
		}
	}
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// ---- known Twitch schemas ----

type followEvent struct {
	UserID            string `json:"user_id" validate:"required,numstr"`
	UserLogin         string `json:"user_login" validate:"omitempty,twitchname"`
	BroadcasterUserID string `json:"broadcaster_user_id" validate:"required,numstr"`
	FollowedAt        string `json:"followed_at" validate:"omitempty,iso8601"`
}

type subscribeEvent struct {
	UserID            string `json:"user_id" validate:"required,numstr"`
	UserLogin         string `json:"user_login" validate:"omitempty,twitchname"`
	BroadcasterUserID string `json:"broadcaster_user_id" validate:"required,numstr"`
	Tier              string `json:"tier" validate:"required,oneof=1000 2000 3000"`
	IsGift            bool   `json:"is_gift"`
}

type cheerEvent struct {
	UserID            string `json:"user_id" validate:"omitempty,numstr"`
	BroadcasterUserID string `json:"broadcaster_user_id" validate:"required,numstr"`
	Bits              int    `json:"bits" validate:"required,gt=0"`
}

type chatMessageEvent struct {
	BroadcasterUserID string `json:"broadcaster_user_id" validate:"required,numstr"`
	ChatterUserID     string `json:"chatter_user_id" validate:"required,numstr"`
	ChatterUserLogin  string `json:"chatter_user_login" validate:"omitempty,twitchname"`
	MessageID         string `json:"message_id" validate:"required"`
	Message           struct {
		Text string `json:"text" validate:"required,max=500"`
	} `json:"message"`
}

type streamOnlineEvent struct {
	ID                string `json:"id" validate:"required"`
	BroadcasterUserID string `json:"broadcaster_user_id" validate:"required,numstr"`
	Type              string `json:"type" validate:"required"`
	StartedAt         string `json:"started_at" validate:"omitempty,iso8601"`
}

type streamOfflineEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id" validate:"required,numstr"`
	BroadcasterUserLogin string `json:"broadcaster_user_login" validate:"omitempty,twitchname"`
}

type channelUpdateEvent struct {
	BroadcasterUserID string `json:"broadcaster_user_id" validate:"required,numstr"`
	Title             string `json:"title" validate:"max=2048"`
	CategoryID        string `json:"category_id" validate:"omitempty,numstr"`
	CategoryName      string `json:"category_name" validate:"max=2048"`
}

// schemas maps known event types to a constructor for their schema struct.
// Unknown types pass with cap enforcement only.
var schemas = map[string]func() any{
	"channel.follow":       func() any { return &followEvent{} },
	"channel.subscribe":    func() any { return &subscribeEvent{} },
	"channel.cheer":        func() any { return &cheerEvent{} },
	"channel.chat.message": func() any { return &chatMessageEvent{} },
	"stream.online":        func() any { return &streamOnlineEvent{} },
	"stream.offline":       func() any { return &streamOfflineEvent{} },
	"channel.update":       func() any { return &channelUpdateEvent{} },
}

func (val *Validator) schemaCheck(eventType string, raw []byte) []string {
	target := schemas[eventType]()
	if err := json.Unmarshal(raw, target); err != nil {
		return []string{"schema decode: " + err.Error()}
	}
	err := val.v.Struct(target)
	if err == nil {
		return nil
	}
	var errs []string
	var fieldErrs validator.ValidationErrors
	if ok := asValidationErrors(err, &fieldErrs); ok {
		for _, fe := range fieldErrs {
			errs = append(errs, fmt.Sprintf("field %s fails %s", fe.Field(), fe.Tag()))
		}
		return errs
	}
	return []string{err.Error()}
}

func asValidationErrors(err error, out *validator.ValidationErrors) bool {
	if ve, ok := err.(validator.ValidationErrors); ok {
		*out = ve
		return true
	}
	return false
}
