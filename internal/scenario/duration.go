package scenario

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses human-friendly durations ("250ms", "2m30s") from
// YAML. Bare integers are taken as nanoseconds, matching the underlying
// representation.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", asString, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	return fmt.Errorf("cannot parse %q as duration", value.Value)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
