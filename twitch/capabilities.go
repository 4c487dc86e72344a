package twitch

// Capability describes what creating a subscription for an event type needs:
// the API version, the token scopes it requires, its advertised cost, and
// how to build the default condition for the configured broadcaster.
// Critical types are retried harder when the default set is created.
type Capability struct {
	Version  string
	Scopes   []string
	Cost     int
	Critical bool

	// Condition builds the default-subscription condition for a user id.
	Condition func(userID string) map[string]string
}

func broadcasterOnly(userID string) map[string]string {
	return map[string]string{"broadcaster_user_id": userID}
}

// capabilities is the static table of supported event types.
var capabilities = map[string]Capability{
	"stream.online": {
		Version:   "1",
		Cost:      1,
		Critical:  true,
		Condition: broadcasterOnly,
	},
	"stream.offline": {
		Version:   "1",
		Cost:      1,
		Critical:  true,
		Condition: broadcasterOnly,
	},
	"channel.update": {
		Version:   "2",
		Cost:      1,
		Critical:  true,
		Condition: broadcasterOnly,
	},
	"channel.follow": {
		Version:  "2",
		Scopes:   []string{"moderator:read:followers"},
		Cost:     1,
		Critical: true,
		Condition: func(userID string) map[string]string {
			return map[string]string{
				"broadcaster_user_id": userID,
				"moderator_user_id":   userID,
			}
		},
	},
	"channel.chat.message": {
		Version:  "1",
		Scopes:   []string{"user:read:chat"},
		Cost:     1,
		Critical: true,
		Condition: func(userID string) map[string]string {
			return map[string]string{
				"broadcaster_user_id": userID,
				"user_id":             userID,
			}
		},
	},
	"channel.subscribe": {
		Version:   "1",
		Scopes:    []string{"channel:read:subscriptions"},
		Cost:      1,
		Condition: broadcasterOnly,
	},
	"channel.cheer": {
		Version:   "1",
		Scopes:    []string{"bits:read"},
		Cost:      1,
		Condition: broadcasterOnly,
	},
}

// CapabilityFor looks up the static table.
func CapabilityFor(eventType string) (Capability, bool) {
	c, ok := capabilities[eventType]
	return c, ok
}

// DefaultEventTypes is the set subscribed on every fresh session, in creation
// order: critical types first.
func DefaultEventTypes() []string {
	critical := []string{"stream.online", "stream.offline", "channel.update", "channel.follow", "channel.chat.message"}
	standard := []string{"channel.subscribe", "channel.cheer"}
	return append(critical, standard...)
}

// hasScopes reports whether every required scope is present in held.
func hasScopes(required, held []string) (missing []string) {
	set := make(map[string]struct{}, len(held))
	for _, s := range held {
		set[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := set[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}
