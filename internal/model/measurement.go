package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidMeasurement is returned for measurement payloads that can never
// be processed, however often they are redelivered.
var ErrInvalidMeasurement = errors.New("invalid measurement")

// Accepted timestamp layouts. Timestamps without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseMeasurement decodes and validates a raw measurement payload.
// Every failure wraps ErrInvalidMeasurement.
func ParseMeasurement(data []byte) (Measurement, error) {
	var msg MeasurementMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Measurement{}, fmt.Errorf("%w: decode: %v", ErrInvalidMeasurement, err)
	}
	if msg.Timestamp == nil || msg.DeviceID == nil || msg.Value == nil {
		return Measurement{}, fmt.Errorf("%w: missing required fields", ErrInvalidMeasurement)
	}

	deviceID, err := ParseID(msg.DeviceID)
	if err != nil {
		return Measurement{}, fmt.Errorf("%w: device_id: %v", ErrInvalidMeasurement, err)
	}
	ts, err := ParseTimestamp(msg.Timestamp)
	if err != nil {
		return Measurement{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidMeasurement, err)
	}
	value, err := ParseDecimal(msg.Value)
	if err != nil {
		return Measurement{}, fmt.Errorf("%w: measurement_value: %v", ErrInvalidMeasurement, err)
	}

	return Measurement{DeviceID: deviceID, Timestamp: ts, Value: value}, nil
}

// ParseDeviceID extracts only the device id from a measurement payload.
func ParseDeviceID(data []byte) (int64, error) {
	var msg MeasurementMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, fmt.Errorf("%w: decode: %v", ErrInvalidMeasurement, err)
	}
	if msg.DeviceID == nil {
		return 0, fmt.Errorf("%w: missing device_id", ErrInvalidMeasurement)
	}
	id, err := ParseID(msg.DeviceID)
	if err != nil {
		return 0, fmt.Errorf("%w: device_id: %v", ErrInvalidMeasurement, err)
	}
	return id, nil
}

// ParseDecimal coerces a JSON number or numeric string to float64.
// Storage drivers hand NUMERIC columns back as strings, so both forms occur.
func ParseDecimal(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", x.String(), err)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", x, err)
		}
		f = parsed
	case nil:
		return 0, errors.New("value is null")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value %v is not finite", f)
	}
	return f, nil
}

// ParseID coerces a positive integral JSON number or numeric string to int64.
func ParseID(v any) (int64, error) {
	f, err := ParseDecimal(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f < 1 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v is not a positive integer", v)
	}
	return int64(f), nil
}

// ParseTimestamp parses an ISO-8601 string into a UTC time.
func ParseTimestamp(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// HourWindow returns the UTC clock hour [start, end) containing ts.
func HourWindow(ts time.Time) (start, end time.Time) {
	start = ts.UTC().Truncate(time.Hour)
	return start, start.Add(time.Hour)
}

// Energy converts a power reading held for interval into kWh.
func Energy(value float64, interval time.Duration) float64 {
	return value * interval.Hours()
}
