//go:build windows

package lifecycle

import (
	"context"
	"syscall"

	"github.com/agentmux/agentmux/internal/domain"
)

// Managed panes require POSIX signals; none of these operate on Windows.

func signalProcess(_ int, _ syscall.Signal) error { return domain.ErrUnsupported }

func processAlive(_ int) bool { return false }

func sampleUsage(_ context.Context, _ int) (memMB, cpuPct float64) { return 0, 0 }
