package virtual

import (
	"context"
	"math/rand"
	"time"

	"github.com/mengeric/simjob-worker/compute"
	"github.com/mengeric/simjob-worker/simjob"
)

// Simulator 占位的虚拟物理仿真：随机耗时后按频率生成衰减的透射率与相位。
// 不追求物理精度，仅用于打通调度与存储链路。
type Simulator struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// New 返回默认耗时 1~4 秒的仿真器。
func New() *Simulator { return &Simulator{MinDelay: time.Second, MaxDelay: 4 * time.Second} }

// Simulate 实现 compute.Simulator。
func (s *Simulator) Simulate(ctx context.Context, params simjob.Parameters, frequency float64) (compute.Response, error) {
	d := s.MinDelay
	if s.MaxDelay > s.MinDelay {
		d += time.Duration(rand.Int63n(int64(s.MaxDelay - s.MinDelay)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return compute.Response{}, ctx.Err()
	case <-t.C:
	}
	// 频率越高透射衰减越明显，相位摆幅随频率线性收缩
	ratio := frequency / 10
	transmission := uniform(0.1, 0.99) * (1 / (1 + ratio*ratio))
	phase := uniform(-180, 180) * (1 - frequency/20)
	return compute.Response{Transmission: transmission, Phase: phase}, nil
}

func uniform(lo, hi float64) float64 { return lo + rand.Float64()*(hi-lo) }

func init() { compute.Register("virtual", New()) }
