package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"anivpn/internal/supervisor"
)

// formatUptime renders d as HH:MM:SS; hours may exceed two digits.
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}

func formatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

var exitCodes = []struct {
	err  error
	code int
}{
	{supervisor.ErrToolUnavailable, 3},
	{supervisor.ErrNoServerAvailable, 4},
	{supervisor.ErrSnapshotUnavailable, 5},
	{supervisor.ErrActivationFailed, 6},
	{supervisor.ErrPermissionDenied, 7},
}

func exitCode(err error) int {
	if err == nil || supervisor.Benign(err) {
		return 0
	}
	for _, c := range exitCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return 1
}
