/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package corectx

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

var procStartTime = time.Now()

// SysStats is a point-in-time snapshot of the daemon process's own resource
// usage, reported alongside selection stats for operational dashboards.
type SysStats struct {
	UptimeSeconds int64
	CPUPercent    float64
	RSSBytes      uint64
	NumGoroutine  int
}

// CollectSysStats gathers the process's uptime, CPU percentage, RSS and
// goroutine count. It reports no selector or registry counts.
func (c *Context) CollectSysStats() (SysStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return SysStats{}, err
	}
	s := SysStats{
		UptimeSeconds: int64(time.Since(procStartTime).Seconds()),
		NumGoroutine:  runtime.NumGoroutine(),
	}
	if pct, err := proc.Percent(0); err == nil {
		s.CPUPercent = pct
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		s.RSSBytes = mem.RSS
	}
	return s, nil
}
