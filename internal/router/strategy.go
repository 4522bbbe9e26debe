package router

import (
	"fmt"
	"strconv"
)

// Strategy selects the shard for a measurement.
type Strategy int

const (
	RoundRobin Strategy = iota
	LeastLoaded
	ConsistentHash
	DeviceSharding
)

var strategyNames = map[Strategy]string{
	RoundRobin:     "round-robin",
	LeastLoaded:    "least-loaded",
	ConsistentHash: "consistent-hash",
	DeviceSharding: "device",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy maps a router.strategy config value to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown routing strategy %q", name)
}

// hashDeviceID is a 32-bit multiply-by-31 rolling hash over the decimal
// form of id. It is stable across restarts.
func hashDeviceID(id int64) int32 {
	var h int32
	for _, c := range strconv.FormatInt(id, 10) {
		h = h*31 + int32(c)
	}
	return h
}

// hashSlot maps id onto [0, n).
func hashSlot(id int64, n int) int {
	h := int64(hashDeviceID(id))
	if h < 0 {
		h = -h
	}
	return int(h % int64(n))
}
