package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidPayload wraps all per-kind payload contract violations.
var ErrInvalidPayload = errors.New("event: invalid payload")

// Payload contracts, one JSON Schema per kind. The contracts are the privacy
// boundary of the log: no schema admits raw captured text. Clipboard events
// carry length and an optional session-salted digest, focus events carry a
// title hash, keystrokes carry codes only.
var payloadSchemas = map[Kind]*jsonschema.Schema{
	KindKeystroke: mustSchema("keystroke.json", `{
		"type": "object",
		"required": ["key", "action"],
		"additionalProperties": false,
		"properties": {
			"key":    {"type": "integer", "minimum": 0},
			"action": {"enum": ["down", "up"]},
			"mods":   {"type": "array", "items": {"enum": ["ctrl", "shift", "alt", "cmd"]}, "uniqueItems": true}
		}
	}`),
	KindPointer: mustSchema("pointer.json", `{
		"type": "object",
		"required": ["action"],
		"additionalProperties": false,
		"properties": {
			"button": {"enum": ["left", "right", "middle"]},
			"action": {"enum": ["down", "up", "click", "scroll"]},
			"clicks": {"type": "integer", "minimum": 1, "maximum": 3},
			"x":      {"type": "integer"},
			"y":      {"type": "integer"}
		}
	}`),
	KindClipboard: mustSchema("clipboard.json", `{
		"type": "object",
		"required": ["length", "media"],
		"additionalProperties": false,
		"properties": {
			"length": {"type": "integer", "minimum": 0},
			"media":  {"enum": ["text", "image", "files", "unknown"]},
			"digest": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
		}
	}`),
	KindFocus: mustSchema("focus.json", `{
		"type": "object",
		"required": ["app"],
		"additionalProperties": false,
		"properties": {
			"app":        {"type": "string", "maxLength": 256},
			"pid":        {"type": "integer", "minimum": 0},
			"title_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
			"dwell_prev_s": {"type": "number", "minimum": 0}
		}
	}`),
	KindCommand: mustSchema("command.json", `{
		"type": "object",
		"required": ["command", "source"],
		"additionalProperties": false,
		"properties": {
			"command": {"enum": ["copy", "cut", "paste", "paste_context", "paste_primary"]},
			"source":  {"enum": ["hotkey", "context", "primary"]},
			"notes":   {"type": "string", "maxLength": 512}
		}
	}`),
	KindAnomaly: mustSchema("anomaly.json", `{
		"type": "object",
		"required": ["rule_id", "severity"],
		"additionalProperties": false,
		"properties": {
			"rule_id":   {"type": "string", "minLength": 1, "maxLength": 128},
			"severity":  {"enum": ["info", "low", "medium", "high"]},
			"rationale": {"type": "string", "maxLength": 1024},
			"features":  {"type": "object"}
		}
	}`),
	KindSystem: mustSchema("system.json", `{
		"type": "object",
		"required": ["marker"],
		"additionalProperties": false,
		"properties": {
			"marker":  {"type": "string", "minLength": 1, "maxLength": 128},
			"details": {"type": "object"}
		}
	}`),
}

func mustSchema(name, doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(name, bytes.NewReader([]byte(doc))); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}

// ValidatePayload checks a raw payload against the contract for kind.
func ValidatePayload(kind Kind, payload []byte) error {
	schema, ok := payloadSchemas[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLong
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	return nil
}

// Constructors for in-process producers. Each returns a validated payload.

// Keystroke builds a keystroke payload from a key code, an action ("down"
// or "up") and modifier names. No text content is ever recorded.
func Keystroke(key uint32, action string, mods []string) ([]byte, error) {
	return buildPayload(KindKeystroke, map[string]any{
		"key":    key,
		"action": action,
		"mods":   modsOrEmpty(mods),
	})
}

// Pointer builds a pointer payload for button and scroll events.
func Pointer(button, action string, clicks, x, y int) ([]byte, error) {
	doc := map[string]any{"action": action, "x": x, "y": y}
	if button != "" {
		doc["button"] = button
	}
	if clicks > 0 {
		doc["clicks"] = clicks
	}
	return buildPayload(KindPointer, doc)
}

// Clipboard builds a clipboard-change payload. digest, when present, is a
// session-salted hex digest of the content; the content itself never enters
// the log.
func Clipboard(length int, media, digest string) ([]byte, error) {
	doc := map[string]any{"length": length, "media": media}
	if digest != "" {
		doc["digest"] = digest
	}
	return buildPayload(KindClipboard, doc)
}

// Focus builds a focus-change payload. titleHash is a hex digest of the
// window title, not the title itself.
func Focus(app string, pid int, titleHash string, dwellPrev float64) ([]byte, error) {
	doc := map[string]any{"app": app}
	if pid > 0 {
		doc["pid"] = pid
	}
	if titleHash != "" {
		doc["title_hash"] = titleHash
	}
	if dwellPrev > 0 {
		doc["dwell_prev_s"] = dwellPrev
	}
	return buildPayload(KindFocus, doc)
}

// Command builds a payload for an inferred input command (copy/cut/paste).
func Command(command, source, notes string) ([]byte, error) {
	doc := map[string]any{"command": command, "source": source}
	if notes != "" {
		doc["notes"] = notes
	}
	return buildPayload(KindCommand, doc)
}

// Anomaly builds an anomaly-flag payload emitted by the analysis engine.
func Anomaly(ruleID, severity, rationale string, features map[string]any) ([]byte, error) {
	doc := map[string]any{"rule_id": ruleID, "severity": severity}
	if rationale != "" {
		doc["rationale"] = rationale
	}
	if features != nil {
		doc["features"] = features
	}
	return buildPayload(KindAnomaly, doc)
}

// System builds a system payload (session lifecycle, sentinel findings).
func System(marker string, details map[string]any) ([]byte, error) {
	doc := map[string]any{"marker": marker}
	if details != nil {
		doc["details"] = details
	}
	return buildPayload(KindSystem, doc)
}

func buildPayload(kind Kind, doc map[string]any) ([]byte, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	if err := ValidatePayload(kind, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func modsOrEmpty(mods []string) []string {
	if mods == nil {
		return []string{}
	}
	return mods
}
