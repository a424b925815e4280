package ble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ScanForDevices scans for adapters advertising serviceUUID and returns them
// strongest signal first.
func ScanForDevices(ctx context.Context, adapter Adapter, serviceUUID string, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].RSSI > devices[j].RSSI
	})
	return devices, nil
}

var obdNameHints = []string{"OBD", "ELM", "VLINK", "VEEPEAK", "KONNWEI", "V-LINK", "IOS-VLINK", "ICAR"}

// LooksLikeOBD reports whether a device name matches a common ELM327 clone.
func LooksLikeOBD(name string) bool {
	n := strings.ToUpper(name)
	for _, h := range obdNameHints {
		if strings.Contains(n, h) {
			return true
		}
	}
	return false
}
