package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"bookkeeper/pkg/utils"
)

// ByteSize accepts either a plain number of bytes or a human readable size
// such as "64KiB" in JSON and TOML.
type ByteSize int64

func (b ByteSize) Int64() int64 { return int64(b) }

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := utils.ParseDataSize(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprint(int64(b))), nil
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return b.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("size must be a number or string: %w", err)
	}
	*b = ByteSize(n)
	return nil
}

// Duration accepts Go duration strings ("30s") or integer milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		var ms int64
		if _, scanErr := fmt.Sscan(string(text), &ms); scanErr != nil {
			return fmt.Errorf("invalid duration %q: %w", text, err)
		}
		parsed = time.Duration(ms) * time.Millisecond
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.UnmarshalText([]byte(s))
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}
