package settings

import (
	"encoding/json"

	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
)

// ErrUnknownGroup indicates a settings group that is not registered.
var ErrUnknownGroup = apperrors.New(apperrors.CodeSettingsGroupUnknown, "settings group is unknown")

// Normalizer merges a partial update over a stored blob and returns the
// canonical encoded shape. A nil patch re-normalises the stored value.
type Normalizer func(stored, patch json.RawMessage) (json.RawMessage, error)

type groupEntry struct {
	defaults  func() json.RawMessage
	normalize Normalizer
}

var registry = map[string]groupEntry{
	GroupPayment:       register(DefaultPayment, (*Payment).validate),
	GroupMedia:         register(DefaultMedia, (*Media).validate),
	GroupMail:          register(DefaultMail, (*Mail).validate),
	GroupTrial:         register(DefaultTrial, (*Trial).validate),
	GroupCooldown:      register(DefaultCooldown, (*Cooldown).validate),
	GroupAnnouncements: register(DefaultAnnouncements, (*Announcements).validate),
	GroupAppearance:    register(DefaultAppearance, (*Appearance).validate),
}

// register builds the registry entry for one typed group. Malformed stored
// blobs degrade to the group default before the patch applies, so a bad row
// never fails a read.
func register[T any](defaults func() T, validate func(*T) error) groupEntry {
	encodeDefaults := func() json.RawMessage {
		encoded, err := json.Marshal(defaults())
		if err != nil {
			// Group schemas are plain structs; this cannot fail at runtime.
			panic(err)
		}
		return encoded
	}

	normalize := func(stored, patch json.RawMessage) (json.RawMessage, error) {
		value := defaults()
		if len(stored) > 0 && json.Valid(stored) {
			if err := json.Unmarshal(stored, &value); err != nil {
				value = defaults()
			}
		}
		if len(patch) > 0 {
			if !json.Valid(patch) {
				return nil, apperrors.New(apperrors.CodeSettingsInvalid, "settings update is not valid JSON")
			}
			if err := json.Unmarshal(patch, &value); err != nil {
				return nil, apperrors.Wrap(apperrors.CodeSettingsInvalid, "decode settings update", err)
			}
		}
		if err := validate(&value); err != nil {
			return nil, err
		}
		return json.Marshal(value)
	}

	return groupEntry{defaults: encodeDefaults, normalize: normalize}
}

// Groups returns the registered group names in a stable order.
func Groups() []string {
	return []string{
		GroupPayment, GroupMedia, GroupMail, GroupTrial,
		GroupCooldown, GroupAnnouncements, GroupAppearance,
	}
}

// Known reports whether the group name is registered.
func Known(group string) bool {
	_, ok := registry[group]
	return ok
}

// Default returns the canonical encoded default for the group.
func Default(group string) (json.RawMessage, error) {
	entry, ok := registry[group]
	if !ok {
		return nil, ErrUnknownGroup
	}
	return entry.defaults(), nil
}

// Normalize applies a partial update over a stored blob and returns the
// canonical shape. Malformed stored blobs degrade to the group default.
func Normalize(group string, stored, patch json.RawMessage) (json.RawMessage, error) {
	entry, ok := registry[group]
	if !ok {
		return nil, ErrUnknownGroup
	}
	return entry.normalize(stored, patch)
}

// Decode unmarshals a canonical blob into the typed group value.
func Decode[T any](blob json.RawMessage, defaults func() T) T {
	value := defaults()
	if len(blob) > 0 && json.Valid(blob) {
		if err := json.Unmarshal(blob, &value); err != nil {
			return defaults()
		}
	}
	return value
}
