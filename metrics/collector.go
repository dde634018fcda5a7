package metrics

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostMetric 主机/进程指标快照，随每个调度批次写入日志。
type HostMetric struct {
	LogicalCPUs int
	CPULoad     float64 // 1 分钟平均负载
	MemTotalGB  float64
	MemUsage    float64 // 0~1
	ProcRSSGB   float64
}

// LogicalCPUs 返回逻辑 CPU 数，用作工作池默认并发上限；采集失败时回退到 runtime.NumCPU。
func LogicalCPUs(ctx context.Context) int {
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Collect 采集主机指标；单项失败时对应字段保持零值。
func Collect(ctx context.Context) HostMetric {
	out := HostMetric{LogicalCPUs: LogicalCPUs(ctx)}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.CPULoad = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		out.MemTotalGB = float64(vm.Total) / (1024 * 1024 * 1024)
		out.MemUsage = vm.UsedPercent / 100.0
	}
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if pm, err := p.MemoryInfoWithContext(ctx); err == nil && pm != nil {
			out.ProcRSSGB = float64(pm.RSS) / (1024 * 1024 * 1024)
		}
	}
	return out
}

// Attrs 以 key/value 形式输出，供 logging.Logger 使用。
func (m HostMetric) Attrs() []any {
	return []any{"cpus", m.LogicalCPUs, "load1", m.CPULoad, "mem_usage", m.MemUsage, "rss_gb", m.ProcRSSGB}
}
