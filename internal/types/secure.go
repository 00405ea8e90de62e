package types

// redactedPlaceholder replaces secret values in logs and serialized output.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a credential (Influx token, Home Assistant token,
// database URL) that must never reach a log line or a JSON dump. String and
// MarshalJSON both return a placeholder; Unmask returns the raw value for the
// few call sites that build an Authorization header or a connection string.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// MarshalYAML keeps secrets out of rendered config files.
func (s SecretString) MarshalYAML() (any, error) {
	return redactedPlaceholder, nil
}

// Unmask returns the raw plaintext value of the secret.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsZero reports whether no secret was configured.
func (s SecretString) IsZero() bool {
	return s == ""
}
