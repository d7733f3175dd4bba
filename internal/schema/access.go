package schema

// Typed accessors for validated settings. Adapters use these when mapping
// settings into request payloads; a missing or mistyped key reads as absent.

// String returns the string value for key.
func (s Settings) String(key string) (string, bool) {
	v, ok := s[key]
	if !ok {
		return "", false
	}
	return asString(v)
}

// Number returns the numeric value for key.
func (s Settings) Number(key string) (float64, bool) {
	v, ok := s[key]
	if !ok {
		return 0, false
	}
	return asNumber(v)
}

// Int returns the integer value for key.
func (s Settings) Int(key string) (int, bool) {
	n, ok := s.Number(key)
	if !ok || n != float64(int64(n)) {
		return 0, false
	}
	return int(n), true
}

// Bool returns the boolean value for key.
func (s Settings) Bool(key string) (bool, bool) {
	v, ok := s[key]
	if !ok {
		return false, false
	}
	return asBool(v)
}
