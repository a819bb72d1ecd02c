package queue

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

const (
	loadHighWater = 0.8
	memLowWater   = 0.2
)

// Sampler reads system pressure from procfs. Concurrency shrinks by one
// when the 1-minute load average per CPU crosses 0.8 and by another when
// free memory drops under 20%, clamped to [1, base].
type Sampler struct {
	loadavgPath string
	meminfoPath string
	cpus        int
}

// NewSampler reads the host's procfs.
func NewSampler() *Sampler {
	return &Sampler{
		loadavgPath: "/proc/loadavg",
		meminfoPath: "/proc/meminfo",
		cpus:        runtime.NumCPU(),
	}
}

// Concurrency derives the allowed parallelism from base and current
// pressure.
func (s *Sampler) Concurrency(base int) (int, error) {
	load, err := s.loadPerCPU()
	if err != nil {
		return base, err
	}
	free, err := s.freeMemFraction()
	if err != nil {
		return base, err
	}

	n := base
	if load > loadHighWater {
		n--
	}
	if free < memLowWater {
		n--
	}
	if n < 1 {
		n = 1
	}
	if n > base {
		n = base
	}
	return n, nil
}

// Snapshot returns the current load per CPU and free-memory fraction for
// status reporting.
func (s *Sampler) Snapshot() (loadPerCPU, freeMem float64, err error) {
	loadPerCPU, err = s.loadPerCPU()
	if err != nil {
		return 0, 0, err
	}
	freeMem, err = s.freeMemFraction()
	if err != nil {
		return 0, 0, err
	}
	return loadPerCPU, freeMem, nil
}

func (s *Sampler) loadPerCPU() (float64, error) {
	data, err := os.ReadFile(s.loadavgPath)
	if err != nil {
		return 0, fmt.Errorf("read loadavg: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("parse loadavg: empty")
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse loadavg %q: %w", fields[0], err)
	}
	cpus := s.cpus
	if cpus < 1 {
		cpus = 1
	}
	return load1 / float64(cpus), nil
}

func (s *Sampler) freeMemFraction() (float64, error) {
	f, err := os.Open(s.meminfoPath)
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	defer f.Close()

	var total, available int64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = meminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = meminfoKB(line)
		}
		if total > 0 && available > 0 {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scan meminfo: %w", err)
	}
	if total <= 0 {
		return 0, fmt.Errorf("parse meminfo: no MemTotal")
	}
	return float64(available) / float64(total), nil
}

func meminfoKB(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
