package compute

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mengeric/simjob-worker/simjob"
)

// Response 一次仿真的物理响应。
type Response struct {
	Transmission float64
	Phase        float64
}

// Simulator 计算函数接口。
// 功能：给定参数与频率计算物理响应；视为黑盒，只约定调用契约。
// 实现应在 ctx 取消时尽快返回，执行器会在超时后放弃等待。
type Simulator interface {
	Simulate(ctx context.Context, params simjob.Parameters, frequency float64) (Response, error)
}

// Func 适配普通函数为 Simulator。
type Func func(ctx context.Context, params simjob.Parameters, frequency float64) (Response, error)

// Simulate 实现 Simulator。
func (f Func) Simulate(ctx context.Context, params simjob.Parameters, frequency float64) (Response, error) {
	return f(ctx, params, frequency)
}

var (
	regMu      sync.RWMutex
	simulators = map[string]Simulator{}
)

// ErrNotFound 计算函数未注册。
var ErrNotFound = errors.New("simulator not found")

// Register 注册计算函数。
func Register(name string, s Simulator) { regMu.Lock(); defer regMu.Unlock(); simulators[name] = s }

// Get 获取计算函数。
func Get(name string) (Simulator, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	s, ok := simulators[name]
	return s, ok
}

// Names 返回已注册名称（排序）。
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(simulators))
	for k := range simulators {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
