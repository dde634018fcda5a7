package generator

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mengeric/simjob-worker/logging"
	"github.com/mengeric/simjob-worker/simjob"
)

// ErrInvalidAxis 轴定义非法（空名称、步长<=0 或 end<start）。
var ErrInvalidAxis = errors.New("invalid sweep axis")

// Generator 作业参数来源。只负责提出参数，插入由 Submit 完成。
type Generator interface {
	Propose(ctx context.Context) ([]simjob.Parameters, error)
}

// Submit 把 gen 提出的每组参数以 pending 状态插入作业表，返回新作业 ID。
// 不做去重：同一组参数重复提交会产生多条作业。
func Submit(ctx context.Context, store simjob.JobStore, gen Generator) ([]int64, error) {
	params, err := gen.Propose(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "propose parameters")
	}
	if len(params) == 0 {
		return nil, nil
	}
	ids, err := store.Insert(ctx, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "insert %d jobs", len(params))
	}
	logging.L().Info(ctx, "jobs submitted", "count", len(ids))
	return ids, nil
}

// Static 固定参数列表。
type Static []simjob.Parameters

// Propose 返回各组参数的副本。
func (s Static) Propose(context.Context) ([]simjob.Parameters, error) {
	out := make([]simjob.Parameters, 0, len(s))
	for _, p := range s {
		out = append(out, p.Clone())
	}
	return out, nil
}

// Axis 扫描轴：name 从 start 到 end（含）按 step 取值。
type Axis struct {
	Name  string
	Start float64
	End   float64
	Step  float64
}

// Values 轴上的全部取值，四舍五入到 1e-10 以消除浮点累积误差。
func (a Axis) Values() []float64 {
	n := int(math.Floor((a.End-a.Start)/a.Step+1e-9)) + 1
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, round10(a.Start+float64(i)*a.Step))
	}
	return out
}

func (a Axis) validate() error {
	switch {
	case a.Name == "":
		return errors.Wrap(ErrInvalidAxis, "empty name")
	case a.Step <= 0 || math.IsNaN(a.Step) || math.IsInf(a.Step, 0):
		return errors.Wrapf(ErrInvalidAxis, "%s: step must be positive", a.Name)
	case a.End < a.Start:
		return errors.Wrapf(ErrInvalidAxis, "%s: end %v < start %v", a.Name, a.End, a.Start)
	}
	return nil
}

// ParseAxis 解析 "name:start:end:step"。
func ParseAxis(s string) (Axis, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Axis{}, errors.Wrapf(ErrInvalidAxis, "%q: want name:start:end:step", s)
	}
	var nums [3]float64
	for i, p := range parts[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Axis{}, errors.Wrapf(ErrInvalidAxis, "%q: %v", s, err)
		}
		nums[i] = v
	}
	a := Axis{Name: strings.TrimSpace(parts[0]), Start: nums[0], End: nums[1], Step: nums[2]}
	return a, a.validate()
}

// Sweep 多轴笛卡尔积网格，前面的轴变化最慢。
type Sweep struct {
	Axes []Axis
	// Fixed 附加到每组参数上的常量（如固定的 frequency）。
	Fixed simjob.Parameters
}

// Propose 生成全部组合；无轴时返回空。
func (s Sweep) Propose(context.Context) ([]simjob.Parameters, error) {
	if len(s.Axes) == 0 {
		return nil, nil
	}
	for _, a := range s.Axes {
		if err := a.validate(); err != nil {
			return nil, err
		}
	}
	out := []simjob.Parameters{s.Fixed.Clone()}
	for _, a := range s.Axes {
		vals := a.Values()
		next := make([]simjob.Parameters, 0, len(out)*len(vals))
		for _, base := range out {
			for _, v := range vals {
				p := base.Clone()
				if p == nil {
					p = simjob.Parameters{}
				}
				p[a.Name] = v
				next = append(next, p)
			}
		}
		out = next
	}
	return out, nil
}

func round10(v float64) float64 { return math.Round(v*1e10) / 1e10 }
