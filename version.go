package durable

// Spec versions describe the encoding of a run's event log.
const (
	// SpecVersionLegacy is the first event encoding. Runs started with it
	// have their events written in compatibility mode.
	SpecVersionLegacy = 1

	// SpecVersionCurrent is the event encoding written by default.
	SpecVersionCurrent = 2
)

// IsLegacySpecVersion reports whether v requests the compatibility encoding.
func IsLegacySpecVersion(v int) bool {
	return v > 0 && v < SpecVersionCurrent
}

// IsKnownSpecVersion reports whether v is an encoding this module can
// write. Zero selects the current encoding.
func IsKnownSpecVersion(v int) bool {
	return v >= 0 && v <= SpecVersionCurrent
}
