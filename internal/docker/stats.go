package docker

import (
	"context"
	"encoding/json"
	"fmt"
)

// StatsReport is a one-shot resource sample for a running container.
type StatsReport struct {
	CPUPercent  float64
	MemoryUsage uint64
	MemoryLimit uint64
}

// MemoryPercent returns memory usage as a percentage of the limit.
func (s *StatsReport) MemoryPercent() float64 {
	if s.MemoryLimit == 0 {
		return 0
	}
	return float64(s.MemoryUsage) / float64(s.MemoryLimit) * 100.0
}

// statsPayload decodes the fields of the daemon's stats JSON that the
// orchestrator consumes.
type statsPayload struct {
	CPUStats    cpuStats `json:"cpu_stats"`
	PreCPUStats cpuStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

// Stats samples CPU and memory for a container without streaming.
func (c *Client) Stats(ctx context.Context, name string) (*StatsReport, error) {
	resp, err := c.cli.ContainerStats(ctx, name, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats for %s: %w", name, err)
	}
	defer resp.Body.Close()

	var payload statsPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode stats for %s: %w", name, err)
	}

	return &StatsReport{
		CPUPercent:  calcCPUPercent(&payload),
		MemoryUsage: payload.MemoryStats.Usage,
		MemoryLimit: payload.MemoryStats.Limit,
	}, nil
}

// calcCPUPercent derives a CPU percentage from consecutive usage samples the
// daemon embeds in a single stats response.
func calcCPUPercent(p *statsPayload) float64 {
	cpuDelta := float64(p.CPUStats.CPUUsage.TotalUsage) - float64(p.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(p.CPUStats.SystemUsage) - float64(p.PreCPUStats.SystemUsage)

	nCPUs := float64(p.CPUStats.OnlineCPUs)
	if nCPUs == 0 {
		nCPUs = 1
	}

	if sysDelta > 0 && cpuDelta >= 0 {
		return cpuDelta / sysDelta * nCPUs * 100.0
	}
	return 0.0
}

// HumanBytes formats a byte count with binary unit suffixes.
func HumanBytes(b uint64) string {
	value := float64(b)
	for _, unit := range []string{"B", "KiB", "MiB", "GiB"} {
		if value < 1024 {
			return fmt.Sprintf("%.1f%s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.1fTiB", value)
}
