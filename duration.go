package vulnsync

import (
	"errors"
	"time"
)

// Duration is a serializeable [time.Duration].
//
// It's used in configuration so that values like "700ms" or "6.5s" can be
// written in YAML, TOML, or JSON.
type Duration time.Duration

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Duration) UnmarshalText(b []byte) error {
	dur, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalText implements [encoding.TextMarshaler].
func (d *Duration) MarshalText() ([]byte, error) {
	if d == nil {
		return nil, errors.New("cannot marshal nil duration")
	}
	return []byte(time.Duration(*d).String()), nil
}

// Std returns the value as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }
