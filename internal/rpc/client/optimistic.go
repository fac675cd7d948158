package client

import "time"

// defaultApplies holds the shipped optimistic specs, one per session-mutating
// procedure. Each Apply is a pure draft edit; the authoritative result
// replaces it when the mutation settles.
var defaultApplies = map[string]func(draft, input map[string]any, now time.Time){
	"session.updateTitle": func(draft, input map[string]any, now time.Time) {
		draft["title"] = input["title"]
		draft["updatedAt"] = now
	},
	"session.updateModel": func(draft, input map[string]any, now time.Time) {
		draft["modelId"] = input["modelId"]
		draft["updatedAt"] = now
	},
	"session.updateProvider": func(draft, input map[string]any, now time.Time) {
		draft["providerId"] = input["providerId"]
		draft["updatedAt"] = now
	},
	"session.updateRules": func(draft, input map[string]any, now time.Time) {
		draft["enabledRuleIds"] = input["ruleIds"]
		draft["updatedAt"] = now
	},
	"session.updateAgent": func(draft, input map[string]any, now time.Time) {
		draft["agentId"] = input["agentId"]
		draft["updatedAt"] = now
	},
	"session.updateTools": func(draft, input map[string]any, now time.Time) {
		draft["enabledToolIds"] = input["toolIds"]
		draft["updatedAt"] = now
	},
	"todo.update": func(draft, input map[string]any, now time.Time) {
		draft["todos"] = input["todos"]
		draft["updatedAt"] = now
	},
}

// DefaultOptimistic returns the shipped optimistic spec for a mutation path,
// keyed on the session entity, or nil when the path carries none or the
// input names no session. Mutate consults it when the caller supplies no
// explicit spec.
func DefaultOptimistic(path string, input map[string]any) *Optimistic {
	apply, ok := defaultApplies[path]
	if !ok {
		return nil
	}
	sessionID, _ := input["sessionId"].(string)
	if sessionID == "" {
		return nil
	}
	return &Optimistic{Entity: "session", ID: sessionID, Apply: apply}
}
