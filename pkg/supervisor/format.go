//go:build linux

package supervisor

import (
	"fmt"

	"github.com/patricbrc/p3x-shepherd/pkg/procfs"
)

// formatRuntimeSummary renders one PidInfo as a single key=value line, in
// the style of original_source/pidinfo.h's operator<< (pid/name/ppid/
// vm_size/vm_rss), extended with the fields spec.md section 4.3's
// runtime_summary description adds: exe, utime/stime, start/finish
// timestamps, elapsed wall time, per-second CPU utilization, and the
// precise-finish/valid flags, and a human-readable rendering of vm_size/
// vm_rss (vm_size_h/vm_rss_h) via types.Bytes.Humanized().
func formatRuntimeSummary(p procfs.PidInfo) string {
	elapsed := 0.0
	userUtil, sysUtil := 0.0, 0.0
	if !p.StartTime.IsZero() && !p.FinishTime.IsZero() {
		elapsed = p.FinishTime.Sub(p.StartTime)
		if elapsed > 0 {
			userUtil = p.UTime / elapsed
			sysUtil = p.STime / elapsed
		}
	}

	return fmt.Sprintf(
		"pid=%d name=%s exe=%s ppid=%d vm_size=%d vm_size_h=%s vm_rss=%d vm_rss_h=%s utime=%f stime=%f start=%s end=%s elapsed=%f user_util=%f sys_util=%f precise_finish=%t valid=%t",
		p.Pid, p.Name, p.Exe, p.PPid, uint64(p.VMSize), p.VMSize.Humanized(), uint64(p.VMRSS), p.VMRSS.Humanized(),
		p.UTime, p.STime, p.StartTime.String(), p.FinishTime.String(),
		elapsed, userUtil, sysUtil, p.HavePreciseFinishData, p.Valid,
	)
}
