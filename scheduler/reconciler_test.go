package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/mock/gomock"

	"github.com/mengeric/simjob-worker/mocks"
	"github.com/mengeric/simjob-worker/simjob"
	"github.com/mengeric/simjob-worker/storage/memstore"
	"github.com/mengeric/simjob-worker/tracker"
)

func TestReconciler_Sweep(t *testing.T) {
	ctx := context.Background()

	Convey("stale running jobs are settled forward", t, func() {
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		now := base
		st := memstore.New()
		st.SetClock(func() time.Time { return now })

		ids, _ := st.Insert(ctx, []simjob.Parameters{{"frequency": 1}, {"frequency": 2}, {"frequency": 3}, {"frequency": 4}})
		_, _ = st.Claim(ctx, ids[:3], simjob.ClaimRequest{Token: "t", ClaimedBy: "gone"})
		// ids[0] 已有结果但未写入 completed
		_ = st.InsertResult(ctx, &simjob.Result{JobID: ids[0], Frequency: 1})

		trk := tracker.NewManager()
		trk.Start(ctx, ids[2], "local", 0)
		defer trk.Stop(ids[2])

		now = base.Add(time.Hour)
		r := NewReconciler(st, st, trk, 30*time.Minute, 0)
		r.now = func() time.Time { return now }

		stats, err := r.Sweep(ctx)
		So(err, ShouldBeNil)
		So(stats, ShouldResemble, SweepStats{Scanned: 3, Completed: 1, Failed: 1, Skipped: 1})

		j0, _ := st.Get(ctx, ids[0])
		So(j0.Status, ShouldEqual, simjob.StatusCompleted)
		j1, _ := st.Get(ctx, ids[1])
		So(j1.Status, ShouldEqual, simjob.StatusFailed)
		So(j1.ErrorMessage, ShouldContainSubstring, "orphaned")
		j2, _ := st.Get(ctx, ids[2])
		So(j2.Status, ShouldEqual, simjob.StatusRunning)
		j3, _ := st.Get(ctx, ids[3])
		So(j3.Status, ShouldEqual, simjob.StatusPending)

		Convey("a second sweep finds nothing new", func() {
			stats, err := r.Sweep(ctx)
			So(err, ShouldBeNil)
			So(stats.Scanned, ShouldEqual, 1)
			So(stats.Skipped, ShouldEqual, 1)
		})
	})

	Convey("recent running jobs are left alone", t, func() {
		st := memstore.New()
		ids, _ := st.Insert(ctx, []simjob.Parameters{{}})
		_, _ = st.Claim(ctx, ids, simjob.ClaimRequest{Token: "t"})
		stats, err := NewReconciler(st, st, nil, 30*time.Minute, 0).Sweep(ctx)
		So(err, ShouldBeNil)
		So(stats.Scanned, ShouldEqual, 0)
	})

	Convey("store errors", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		jobs := mocks.NewMockJobStore(ctrl)
		results := mocks.NewMockResultStore(ctrl)
		r := NewReconciler(jobs, results, nil, time.Minute, 0)

		Convey("list failure is returned", func() {
			jobs.EXPECT().ListStaleRunning(gomock.Any(), gomock.Any()).Return(nil, errors.New("down"))
			_, err := r.Sweep(ctx)
			So(err, ShouldNotBeNil)
		})

		Convey("lost race and lookup failure are skipped", func() {
			jobs.EXPECT().ListStaleRunning(gomock.Any(), gomock.Any()).Return([]simjob.Job{{ID: 1}, {ID: 2}}, nil)
			results.EXPECT().HasResult(gomock.Any(), int64(1)).Return(false, nil)
			jobs.EXPECT().UpdateStatus(gomock.Any(), int64(1), simjob.StatusRunning, gomock.Any()).Return(simjob.ErrStaleTransition)
			results.EXPECT().HasResult(gomock.Any(), int64(2)).Return(false, errors.New("down"))
			stats, err := r.Sweep(ctx)
			So(err, ShouldBeNil)
			So(stats.Skipped, ShouldEqual, 2)
		})
	})
}

func TestReconciler_Start(t *testing.T) {
	Convey("ticker sweeps periodically until ctx ends", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		st := memstore.New()
		ids, _ := st.Insert(ctx, []simjob.Parameters{{}})
		_, _ = st.Claim(ctx, ids, simjob.ClaimRequest{Token: "t"})

		r := NewReconciler(st, st, nil, time.Millisecond, 10*time.Millisecond)
		r.now = func() time.Time { return time.Now().Add(time.Hour) }
		r.Start(ctx)
		r.Start(ctx)

		deadline := time.Now().Add(2 * time.Second)
		var status simjob.Status
		for time.Now().Before(deadline) {
			j, _ := st.Get(ctx, ids[0])
			if status = j.Status; status.Terminal() {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		So(status, ShouldEqual, simjob.StatusFailed)
	})
}
