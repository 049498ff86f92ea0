//go:build unix

package lifecycle

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// signalProcess delivers sig to pid.
func signalProcess(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// processAlive probes pid existence with the null signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// sampleUsage returns resident memory in MB and CPU percentage for pid.
// Best effort: zeros on any failure.
func sampleUsage(ctx context.Context, pid int) (memMB, cpuPct float64) {
	out, err := exec.CommandContext(ctx, "ps", "-o", "rss=,%cpu=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, 0
	}
	fields := strings.Fields(string(out))
	if len(fields) != 2 {
		return 0, 0
	}
	rssKB, _ := strconv.ParseFloat(fields[0], 64)
	cpu, _ := strconv.ParseFloat(fields[1], 64)
	return rssKB / 1024, cpu
}
