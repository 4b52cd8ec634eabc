package coord

import "github.com/basestate/runid/envelope"

// Follow decides whether an AI-attributed creation should pull the
// operator's focus. User- and system-attributed events never trigger
// auto-focus regardless of the setting, so the UI cannot steal focus away
// from something the human just did.
func Follow(actor envelope.Actor, enabled bool) bool {
	return enabled && actor.Type == envelope.ActorAI
}
