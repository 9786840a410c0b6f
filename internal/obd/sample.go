// Package obd holds the OBD-II side of the link: which PIDs are requested,
// how their response payloads decode into physical values, and the
// DecodedSample record handed to persistence.
package obd

import (
	"fmt"
	"time"
)

// Kind identifies what a Sample measures.
type Kind int

const (
	KindTemperature Kind = iota
	KindRPM
	KindTroubleCode
	KindVehicleID
	KindVoltage
)

func (k Kind) String() string {
	switch k {
	case KindTemperature:
		return "temperature"
	case KindRPM:
		return "rpm"
	case KindTroubleCode:
		return "trouble_code"
	case KindVehicleID:
		return "vehicle_id"
	case KindVoltage:
		return "voltage"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindTemperature, KindRPM, KindTroubleCode, KindVehicleID, KindVoltage} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("obd: unknown sample kind %q", s)
}

// MarshalText encodes the kind by name so JSON consumers see "rpm", not 1.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Sample is one decoded telemetry value.
//
// Numeric kinds fill Value; TroubleCode and VehicleID fill Text.
type Sample struct {
	VehicleID string    `json:"vehicle_id"`
	Kind      Kind      `json:"kind"`
	Value     float64   `json:"value"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s Sample) String() string {
	if s.Text != "" {
		return fmt.Sprintf("%s %s=%s", s.VehicleID, s.Kind, s.Text)
	}
	return fmt.Sprintf("%s %s=%g", s.VehicleID, s.Kind, s.Value)
}
