// Package modality names the input signal types understood by the embedding model.
package modality

import (
	"fmt"
	"sort"
	"strings"
)

// Type identifies one modality trunk of the model.
type Type string

const (
	Vision  Type = "vision"
	Text    Type = "text"
	Audio   Type = "audio"
	Thermal Type = "thermal"
	Depth   Type = "depth"
	IMU     Type = "imu"
)

var known = map[Type]bool{
	Vision:  true,
	Text:    true,
	Audio:   true,
	Thermal: true,
	Depth:   true,
	IMU:     true,
}

// Parse converts a case-insensitive name into a Type.
func Parse(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !known[t] {
		return "", fmt.Errorf("unknown modality %q", s)
	}
	return t, nil
}

// ParseList parses a comma separated list of modalities.
func ParseList(s string) ([]Type, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]Type, 0, len(parts))
	for _, p := range parts {
		t, err := Parse(p)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// IsSensor reports whether t is a signal modality rather than text.
func (t Type) IsSensor() bool {
	return known[t] && t != Text
}

// Valid reports whether t is a known modality.
func (t Type) Valid() bool {
	return known[t]
}

func (t Type) String() string {
	return string(t)
}

// All returns every known modality in sorted order.
func All() []Type {
	out := make([]Type, 0, len(known))
	for t := range known {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
