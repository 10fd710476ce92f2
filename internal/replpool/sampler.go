package replpool

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// sampler polls a worker's process-group tree at ~1 Hz and tracks the peak
// CPU-percent and peak resident-set bytes observed. It is bound to the
// worker's lifetime: stop() must be called when the worker closes so the
// goroutine doesn't leak.
//
// Sampling walks every process sharing the worker's process group, not
// just the direct child: "lake env <repl>" execs a further child, and the
// interpreter itself may fork, so reading only the top pid under-counts
// memory and CPU the way a naive ps.Process(pid) would.
type sampler struct {
	pgid int

	mu      sync.Mutex
	cpuMax  float64
	memMax  uint64
	stop    chan struct{}
	stopped sync.Once

	lastSample time.Time
	lastCPU    map[int]cpuTimes
}

type cpuTimes struct {
	utime, stime uint64 // clock ticks
}

func newSampler(pgid int) *sampler {
	return &sampler{
		pgid:    pgid,
		stop:    make(chan struct{}),
		lastCPU: make(map[int]cpuTimes),
	}
}

func (s *sampler) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	s.sampleOnce()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *sampler) close() {
	s.stopped.Do(func() { close(s.stop) })
}

func (s *sampler) peaks() (cpuPct float64, rss uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpuMax, s.memMax
}

func (s *sampler) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpuMax = 0
	s.memMax = 0
}

// sampleOnce walks /proc for every pid in the worker's process group,
// summing RSS and CPU ticks. Best-effort: on any read failure for a given
// pid (already exited) it is simply skipped.
func (s *sampler) sampleOnce() {
	pids := procPidsInGroup(s.pgid)
	now := time.Now()

	var totalRSS uint64
	curCPU := make(map[int]cpuTimes, len(pids))
	var deltaTicks uint64

	for _, pid := range pids {
		rss, ct, ok := readProcStat(pid)
		if !ok {
			continue
		}
		totalRSS += rss
		curCPU[pid] = ct
		if prev, ok := s.lastCPU[pid]; ok {
			deltaTicks += (ct.utime - prev.utime) + (ct.stime - prev.stime)
		}
	}

	elapsed := now.Sub(s.lastSample).Seconds()
	var cpuPct float64
	if !s.lastSample.IsZero() && elapsed > 0 {
		hz := clockTicksPerSec()
		cpuPct = (float64(deltaTicks) / hz / elapsed) * 100
	}

	s.mu.Lock()
	if totalRSS > s.memMax {
		s.memMax = totalRSS
	}
	if cpuPct > s.cpuMax {
		s.cpuMax = cpuPct
	}
	s.mu.Unlock()

	s.lastCPU = curCPU
	s.lastSample = now
}

func clockTicksPerSec() float64 {
	return 100 // USER_HZ is 100 on virtually every Linux config we target
}

// procPidsInGroup lists pids under /proc whose process group id (field 5
// of /proc/<pid>/stat) matches pgid.
func procPidsInGroup(pgid int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if samePgid(pid, pgid) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func samePgid(pid, pgid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	fields := statFields(string(data))
	if len(fields) < 5 {
		return false
	}
	got, err := strconv.Atoi(fields[4])
	return err == nil && got == pgid
}

// readProcStat returns RSS bytes (from /proc/<pid>/status VmRSS) and
// utime/stime clock ticks (from /proc/<pid>/stat fields 14/15).
func readProcStat(pid int) (rss uint64, ct cpuTimes, ok bool) {
	statData, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, cpuTimes{}, false
	}
	fields := statFields(string(statData))
	if len(fields) < 15 {
		return 0, cpuTimes{}, false
	}
	utime, _ := strconv.ParseUint(fields[13], 10, 64)
	stime, _ := strconv.ParseUint(fields[14], 10, 64)

	statusData, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return 0, cpuTimes{utime, stime}, true
	}
	for _, line := range strings.Split(string(statusData), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			fs := strings.Fields(line)
			if len(fs) >= 2 {
				kb, _ := strconv.ParseUint(fs[1], 10, 64)
				rss = kb * 1024
			}
			break
		}
	}
	return rss, cpuTimes{utime, stime}, true
}

// statFields splits a /proc/<pid>/stat line into its space-separated
// fields, accounting for the process name field which may itself contain
// spaces inside parentheses, e.g. "1234 (my proc) S 1 ...".
func statFields(line string) []string {
	line = strings.TrimSpace(line)
	close := strings.LastIndexByte(line, ')')
	if close < 0 {
		return strings.Fields(line)
	}
	open := strings.IndexByte(line, '(')
	if open < 0 || open > close {
		return strings.Fields(line)
	}
	pid := line[:open]
	rest := line[close+1:]
	fields := append(strings.Fields(pid), "comm")
	fields = append(fields, strings.Fields(rest)...)
	return fields
}
