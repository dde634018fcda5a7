package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/mock/gomock"

	"github.com/mengeric/simjob-worker/compute"
	"github.com/mengeric/simjob-worker/mocks"
	"github.com/mengeric/simjob-worker/simjob"
	"github.com/mengeric/simjob-worker/storage/memstore"
)

func newTestDispatcher(id string, st simjob.Store, sim compute.Simulator, limit int) *Dispatcher {
	ctx := context.Background()
	exec := NewExecutor(st, st, sim, nil, time.Second)
	return NewDispatcher(id, st, NewPool(ctx, limit), exec, 0, Intervals{})
}

func seed(st *memstore.Store, freqs ...float64) []int64 {
	params := make([]simjob.Parameters, 0, len(freqs))
	for _, f := range freqs {
		params = append(params, simjob.Parameters{"frequency": f})
	}
	ids, _ := st.Insert(context.Background(), params)
	return ids
}

func TestDispatcher_RunCycle(t *testing.T) {
	ctx := context.Background()

	Convey("three pending jobs all complete with matching results", t, func() {
		st := memstore.New()
		seed(st, 5, 10, 15)
		d := newTestDispatcher("d1", st, constSim, 4)

		stats, err := d.RunCycle(ctx)
		So(err, ShouldBeNil)
		So(stats.Outcome, ShouldEqual, CycleBatch)
		So(stats.Pending, ShouldEqual, 3)
		So(stats.Claimed, ShouldEqual, 3)
		So(stats.Completed, ShouldEqual, 3)

		for _, j := range st.Jobs() {
			So(j.Status, ShouldEqual, simjob.StatusCompleted)
			So(j.ClaimedBy, ShouldEqual, "d1")
		}
		freqs := map[float64]bool{}
		for _, r := range st.Results() {
			So(r.Transmission, ShouldEqual, 0.5)
			So(r.Phase, ShouldEqual, 0)
			freqs[r.Frequency] = true
		}
		So(freqs, ShouldResemble, map[float64]bool{5: true, 10: true, 15: true})
		So(d.LastCycle().Completed, ShouldEqual, 3)
	})

	Convey("one failing job does not affect its siblings", t, func() {
		st := memstore.New()
		ids := seed(st, 5, 10, 15)
		sim := compute.Func(func(ctx context.Context, p simjob.Parameters, f float64) (compute.Response, error) {
			if f == 10 {
				return compute.Response{}, errors.New("no convergence at f=10")
			}
			return compute.Response{Transmission: 0.5}, nil
		})
		stats, err := newTestDispatcher("d1", st, sim, 3).RunCycle(ctx)
		So(err, ShouldBeNil)
		So(stats.Completed, ShouldEqual, 2)
		So(stats.Failed, ShouldEqual, 1)

		failed, _ := st.Get(ctx, ids[1])
		So(failed.Status, ShouldEqual, simjob.StatusFailed)
		So(failed.ErrorMessage, ShouldNotBeEmpty)
		So(len(st.Results()), ShouldEqual, 2)
		for _, r := range st.Results() {
			So(r.JobID, ShouldNotEqual, ids[1])
		}
	})

	Convey("no pending jobs is idle and writes nothing", t, func() {
		st := memstore.New()
		before := st.Mutations()
		stats, err := newTestDispatcher("d1", st, constSim, 2).RunCycle(ctx)
		So(err, ShouldBeNil)
		So(stats.Outcome, ShouldEqual, CycleIdle)
		So(st.Mutations(), ShouldEqual, before)
	})

	Convey("batch limit caps the claimed set", t, func() {
		st := memstore.New()
		seed(st, 1, 2, 3, 4, 5)
		exec := NewExecutor(st, st, constSim, nil, time.Second)
		d := NewDispatcher("d1", st, NewPool(ctx, 2), exec, 2, Intervals{})
		stats, _ := d.RunCycle(ctx)
		So(stats.Claimed, ShouldEqual, 2)
		pending, _ := st.ListPending(ctx, 0)
		So(len(pending), ShouldEqual, 3)
	})

	Convey("store errors", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		store := mocks.NewMockStore(ctrl)
		d := newTestDispatcher("d1", store, constSim, 2)

		Convey("poll failure is reported as an error cycle", func() {
			store.EXPECT().ListPending(gomock.Any(), 0).Return(nil, errors.New("dial tcp: refused"))
			stats, err := d.RunCycle(ctx)
			So(err, ShouldNotBeNil)
			So(stats.Outcome, ShouldEqual, CycleError)
			So(stats.Error, ShouldContainSubstring, "refused")
		})

		Convey("claim failure executes nothing", func() {
			store.EXPECT().ListPending(gomock.Any(), 0).Return([]simjob.Job{{ID: 1, Status: simjob.StatusPending}}, nil)
			store.EXPECT().Claim(gomock.Any(), []int64{1}, gomock.Any()).Return(nil, errors.New("timeout"))
			stats, err := d.RunCycle(ctx)
			So(err, ShouldNotBeNil)
			So(stats.Outcome, ShouldEqual, CycleError)
		})

		Convey("only jobs the claim returned are executed", func() {
			store.EXPECT().ListPending(gomock.Any(), 0).Return([]simjob.Job{
				{ID: 1, Status: simjob.StatusPending}, {ID: 2, Status: simjob.StatusPending},
			}, nil)
			store.EXPECT().Claim(gomock.Any(), []int64{1, 2}, gomock.Any()).
				DoAndReturn(func(_ context.Context, _ []int64, req simjob.ClaimRequest) ([]int64, error) {
					if req.Token == "" || req.ClaimedBy != "d1" {
						return nil, errors.New("bad claim request")
					}
					return []int64{2}, nil
				})
			store.EXPECT().Heartbeat(gomock.Any(), int64(2), gomock.Not("")).Return(nil)
			store.EXPECT().InsertResult(gomock.Any(), gomock.Any()).Return(nil)
			store.EXPECT().UpdateStatus(gomock.Any(), int64(2), simjob.StatusRunning, simjob.Completed()).Return(nil)
			stats, err := d.RunCycle(ctx)
			So(err, ShouldBeNil)
			So(stats.Claimed, ShouldEqual, 1)
			So(stats.Completed, ShouldEqual, 1)
		})
	})
}

func TestDispatcher_ConcurrencyBound(t *testing.T) {
	Convey("no more than C simulations run at once", t, func() {
		st := memstore.New()
		seed(st, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)
		var cur, high atomic.Int64
		var mu sync.Mutex
		sim := compute.Func(func(ctx context.Context, p simjob.Parameters, f float64) (compute.Response, error) {
			n := cur.Add(1)
			mu.Lock()
			if n > high.Load() {
				high.Store(n)
			}
			mu.Unlock()
			time.Sleep(15 * time.Millisecond)
			cur.Add(-1)
			return compute.Response{}, nil
		})
		stats, err := newTestDispatcher("d1", st, sim, 4).RunCycle(context.Background())
		So(err, ShouldBeNil)
		So(stats.Completed, ShouldEqual, 12)
		So(high.Load(), ShouldBeLessThanOrEqualTo, 4)
	})
}

func TestDispatcher_SweepDuringBatch(t *testing.T) {
	Convey("a sweep while a batch is in flight leaves claimed jobs alone", t, func() {
		ctx := context.Background()
		st := memstore.New()
		t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		st.SetClock(func() time.Time { return t0 })
		ids := seed(st, 1, 2)

		started := make(chan struct{}, 2)
		release := make(chan struct{})
		var calls atomic.Int64
		sim := compute.Func(func(ctx context.Context, p simjob.Parameters, f float64) (compute.Response, error) {
			started <- struct{}{}
			if calls.Add(1) == 1 {
				<-release
			}
			return compute.Response{Transmission: f}, nil
		})
		exec := NewExecutor(st, st, sim, nil, time.Minute)
		d := NewDispatcher("d1", st, NewPool(ctx, 1), exec, 0, Intervals{})
		rec := NewReconciler(st, st, exec.Tracker(), 30*time.Minute, 0)

		done := make(chan CycleStats, 1)
		go func() {
			stats, _ := d.RunCycle(ctx)
			done <- stats
		}()
		<-started
		st.SetClock(func() time.Time { return t0.Add(time.Hour) })

		sw, err := rec.Sweep(ctx)
		So(err, ShouldBeNil)
		So(sw.Scanned, ShouldEqual, 2)
		So(sw.Skipped, ShouldEqual, 2)
		So(sw.Failed, ShouldEqual, 0)

		close(release)
		var stats CycleStats
		select {
		case stats = <-done:
		case <-time.After(5 * time.Second):
		}
		So(stats.Completed, ShouldEqual, 2)
		So(stats.Skipped, ShouldEqual, 0)
		So(exec.Tracker().Len(), ShouldEqual, 0)
		for _, id := range ids {
			j, _ := st.Get(ctx, id)
			So(j.Status, ShouldEqual, simjob.StatusCompleted)
		}
		So(len(st.Results()), ShouldEqual, 2)
	})
}

func TestDispatcher_NoDoubleExecution(t *testing.T) {
	Convey("two dispatchers over one store never run the same job twice", t, func() {
		st := memstore.New()
		seed(st, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16)
		var mu sync.Mutex
		runs := map[float64]int{}
		sim := compute.Func(func(ctx context.Context, p simjob.Parameters, f float64) (compute.Response, error) {
			mu.Lock()
			runs[f]++
			mu.Unlock()
			time.Sleep(time.Millisecond)
			return compute.Response{}, nil
		})
		a := newTestDispatcher("a", st, sim, 4)
		b := newTestDispatcher("b", st, sim, 4)

		var wg sync.WaitGroup
		var claimed atomic.Int64
		for _, d := range []*Dispatcher{a, b} {
			wg.Add(1)
			go func(d *Dispatcher) {
				defer wg.Done()
				stats, _ := d.RunCycle(context.Background())
				claimed.Add(int64(stats.Claimed))
			}(d)
		}
		wg.Wait()

		So(claimed.Load(), ShouldEqual, 16)
		So(len(runs), ShouldEqual, 16)
		for _, n := range runs {
			So(n, ShouldEqual, 1)
		}
		So(len(st.Results()), ShouldEqual, 16)
	})
}

// flakyStore 首次轮询失败，之后恢复。
type flakyStore struct {
	*memstore.Store
	fails atomic.Int32
}

func (f *flakyStore) ListPending(ctx context.Context, limit int) ([]simjob.Job, error) {
	if f.fails.Add(-1) >= 0 {
		return nil, errors.New("store unreachable")
	}
	return f.Store.ListPending(ctx, limit)
}

func TestDispatcher_Run(t *testing.T) {
	Convey("loop backs off on errors and recovers on the next cycle", t, func() {
		st := &flakyStore{Store: memstore.New()}
		st.fails.Store(1)
		seed(st.Store, 5, 10)
		exec := NewExecutor(st, st, constSim, nil, time.Second)
		iv := Intervals{Idle: 5 * time.Second, Batch: 2 * time.Second, Error: 10 * time.Second}
		d := NewDispatcher("d1", st, NewPool(context.Background(), 2), exec, 0, iv)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var slept []time.Duration
		d.sleep = func(ctx context.Context, dur time.Duration) bool {
			slept = append(slept, dur)
			if len(slept) == 3 {
				cancel()
				return false
			}
			return true
		}
		err := d.Run(ctx)
		So(errors.Is(err, context.Canceled), ShouldBeTrue)
		So(slept, ShouldResemble, []time.Duration{10 * time.Second, 2 * time.Second, 5 * time.Second})
		for _, j := range st.Jobs() {
			So(j.Status, ShouldEqual, simjob.StatusCompleted)
		}
		So(d.LastCycle().Outcome, ShouldEqual, CycleIdle)
	})

	Convey("a panicking cycle is treated as an error cycle", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		store := mocks.NewMockStore(ctrl)
		store.EXPECT().ListPending(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, int) ([]simjob.Job, error) {
			panic("driver bug")
		})
		d := newTestDispatcher("d1", store, constSim, 1)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var slept time.Duration
		d.sleep = func(ctx context.Context, dur time.Duration) bool {
			slept = dur
			cancel()
			return false
		}
		So(d.Run(ctx), ShouldNotBeNil)
		So(slept, ShouldEqual, DefaultIntervals().Error)
		So(d.LastCycle().Outcome, ShouldEqual, CycleError)
		So(d.LastCycle().Error, ShouldContainSubstring, "driver bug")
	})

	Convey("sleepCtx honours cancellation", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		So(sleepCtx(ctx, time.Hour), ShouldBeFalse)
		So(sleepCtx(context.Background(), time.Millisecond), ShouldBeTrue)
	})
}
