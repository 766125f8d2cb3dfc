package httpapi

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// GPUDevice describes one accelerator.
type GPUDevice struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	MemoryMB int    `json:"memoryMb"`
}

// GPUStat is one utilization sample.
type GPUStat struct {
	Index         int `json:"index"`
	UtilPercent   int `json:"utilPercent"`
	MemoryUsedMB  int `json:"memoryUsedMb"`
	MemoryTotalMB int `json:"memoryTotalMb"`
}

// GPUProbe shells out to nvidia-smi. Hosts without it report no devices.
type GPUProbe struct {
	binary string
}

// NewGPUProbe creates the probe.
func NewGPUProbe() *GPUProbe {
	return &GPUProbe{binary: "nvidia-smi"}
}

// Devices enumerates visible GPUs.
func (p *GPUProbe) Devices(ctx context.Context) ([]GPUDevice, error) {
	rows, err := p.query(ctx, "index,name,memory.total")
	if err != nil {
		return nil, err
	}
	devices := make([]GPUDevice, 0, len(rows))
	for _, cols := range rows {
		if len(cols) < 3 {
			continue
		}
		devices = append(devices, GPUDevice{
			Index:    atoi(cols[0]),
			Name:     cols[1],
			MemoryMB: atoi(stripUnit(cols[2])),
		})
	}
	return devices, nil
}

// Stats samples current utilization.
func (p *GPUProbe) Stats(ctx context.Context) ([]GPUStat, error) {
	rows, err := p.query(ctx, "index,utilization.gpu,memory.used,memory.total")
	if err != nil {
		return nil, err
	}
	stats := make([]GPUStat, 0, len(rows))
	for _, cols := range rows {
		if len(cols) < 4 {
			continue
		}
		stats = append(stats, GPUStat{
			Index:         atoi(cols[0]),
			UtilPercent:   atoi(stripUnit(cols[1])),
			MemoryUsedMB:  atoi(stripUnit(cols[2])),
			MemoryTotalMB: atoi(stripUnit(cols[3])),
		})
	}
	return stats, nil
}

func (p *GPUProbe) query(ctx context.Context, fields string) ([][]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, p.binary,
		"--query-gpu="+fields, "--format=csv,noheader").Output()
	if err != nil {
		return nil, err
	}
	var rows [][]string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		cols := strings.Split(line, ",")
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}
		rows = append(rows, cols)
	}
	return rows, nil
}

func stripUnit(s string) string {
	for _, unit := range []string{" MiB", " %", "MiB", "%"} {
		s = strings.TrimSuffix(s, unit)
	}
	return strings.TrimSpace(s)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
