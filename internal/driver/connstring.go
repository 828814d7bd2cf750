package driver

import (
	"fmt"
	"strconv"
	"strings"
)

// ConnectionString is a parsed "Key1=Value1;Key2=Value2;..." connection
// string (spec §6). Recognized keys are read through the typed accessors
// below; anything else is carried in Raw for backend-specific use.
type ConnectionString struct {
	Raw map[string]string
}

// ParseConnectionString splits s on ";" and each entry on the first "=".
// Keys and values are trimmed of surrounding whitespace. An entry with no
// "=" or an empty key is an error.
func ParseConnectionString(s string) (ConnectionString, error) {
	cs := ConnectionString{Raw: make(map[string]string)}

	s = strings.TrimSpace(s)
	if s == "" {
		return cs, nil
	}

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return ConnectionString{}, fmt.Errorf("driver: malformed connection string entry %q", part)
		}
		key := strings.TrimSpace(kv[0])
		if key == "" {
			return ConnectionString{}, fmt.Errorf("driver: empty key in connection string entry %q", part)
		}
		cs.Raw[key] = strings.TrimSpace(kv[1])
	}

	return cs, nil
}

func (c ConnectionString) AccountName() string      { return c.Raw["AccountName"] }
func (c ConnectionString) AccountKey() string        { return c.Raw["AccountKey"] }
func (c ConnectionString) Container() string         { return c.Raw["Container"] }
func (c ConnectionString) UnderlyingConnString() string { return c.Raw["ConnectionString"] }

// ReadOnly reports the ReadOnly=true|false key, defaulting to false when
// absent or unparsable.
func (c ConnectionString) ReadOnly() bool {
	v, ok := c.Raw["ReadOnly"]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
