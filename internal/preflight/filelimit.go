package preflight

import (
	"fmt"
	"syscall"
)

// minOpenFiles is the nofile floor the server needs. Every project
// holds bleve and sqlite handles open on top of the HTTP listener's
// connections, so a tight limit surfaces as spurious open failures
// under load.
const minOpenFiles = 1024

// CheckFileDescriptors verifies the process file descriptor budget.
func (c *Checker) CheckFileDescriptors() CheckResult {
	result := CheckResult{
		Name:     "file_descriptors",
		Required: true,
	}

	var lim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot read nofile limit: %v", err)
		return result
	}

	result.Message = fmt.Sprintf("nofile soft limit %d, need %d", lim.Cur, minOpenFiles)
	if lim.Cur < minOpenFiles {
		result.Status = StatusFail
		result.Details = fmt.Sprintf("raise the open file limit, e.g. ulimit -n %d", 8*minOpenFiles)
		return result
	}

	result.Status = StatusPass
	return result
}
