package process

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/glorpus-work/qpserver/pkg/errors"
)

// residentMemory reads a process's resident set size from /proc. On systems
// without procfs the pool simply cannot enforce per-worker memory limits.
func residentMemory(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, errors.Wrap(errors.ErrWorkerNotRunning, err.Error())
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, errors.Wrapf(errors.ErrWorkerNotRunning, "malformed statm for pid %d", pid)
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrWorkerNotRunning, "malformed statm for pid %d", pid)
	}
	return pages * int64(os.Getpagesize()), nil
}
