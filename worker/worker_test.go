package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/mengeric/simjob-worker/compute"
	"github.com/mengeric/simjob-worker/config"
	"github.com/mengeric/simjob-worker/scheduler"
	"github.com/mengeric/simjob-worker/simjob"
	"github.com/mengeric/simjob-worker/storage/memstore"
)

var stubSim = compute.Func(func(ctx context.Context, p simjob.Parameters, f float64) (compute.Response, error) {
	return compute.Response{Transmission: 0.5, Phase: f}, nil
})

// unmigratedStore 表结构校验失败的存储。
type unmigratedStore struct{ *memstore.Store }

func (unmigratedStore) CheckSchema(context.Context) error {
	return errors.New("simulation_jobs is missing claim_token")
}

func fastOptions() Options {
	return Options{
		ID:          "w-test",
		Concurrency: 2,
		Intervals:   scheduler.Intervals{Idle: 10 * time.Millisecond, Batch: 10 * time.Millisecond, Error: 10 * time.Millisecond},
		JobTimeout:  time.Second,
		ListenAddr:  "127.0.0.1:0",
	}
}

func TestNewWorker(t *testing.T) {
	Convey("required dependencies", t, func() {
		_, err := NewWorker(WithSimulator(stubSim))
		So(err, ShouldEqual, ErrNoStore)
		_, err = NewWorker(WithStore(memstore.New()))
		So(err, ShouldEqual, ErrNoSimulator)

		st := memstore.New()
		w, err := NewWorker(WithJobStore(st), WithResultStore(st), WithSimulator(stubSim), WithConcurrency(3))
		So(err, ShouldBeNil)
		So(w.ID(), ShouldNotBeEmpty)
		So(w.opt.OrphanAfter, ShouldBeGreaterThan, w.opt.JobTimeout)
	})

	Convey("registry lookup", t, func() {
		compute.Register("worker-test-stub", stubSim)
		_, err := NewWorkerFromRegistry("worker-test-stub", WithStore(memstore.New()))
		So(err, ShouldBeNil)
		_, err = NewWorkerFromRegistry("no-such-simulator", WithStore(memstore.New()))
		So(errors.Is(err, compute.ErrNotFound), ShouldBeTrue)
	})

	Convey("options from config", t, func() {
		c := config.Config{Worker: config.WorkerConfig{ID: "x", Concurrency: 4, IdleInterval: time.Second}}.WithDefaults()
		o := FromConfig(c.Worker)
		So(o.ID, ShouldEqual, "x")
		So(o.Concurrency, ShouldEqual, 4)
		So(o.Intervals.Idle, ShouldEqual, time.Second)
		So(o.Intervals.Error, ShouldEqual, 10*time.Second)
		So(o.OrphanAfter, ShouldEqual, 30*time.Minute)
	})
}

func TestWorker_Run(t *testing.T) {
	Convey("processes pending jobs and serves status until cancelled", t, func() {
		st := memstore.New()
		ids, _ := st.Insert(context.Background(), []simjob.Parameters{{"frequency": 5}, {"frequency": 10}, {"frequency": 15}})
		w, err := NewWorker(WithStore(st), WithSimulator(stubSim), WithOptions(fastOptions()))
		So(err, ShouldBeNil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if len(st.Results()) == 3 && w.Addr() != "" {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		So(len(st.Results()), ShouldEqual, 3)
		So(w.Addr(), ShouldNotBeEmpty)

		resp, err := http.Get("http://" + w.Addr() + "/worker/status")
		So(err, ShouldBeNil)
		var sv statusView
		_ = json.NewDecoder(resp.Body).Decode(&sv)
		_ = resp.Body.Close()
		So(sv.ID, ShouldEqual, "w-test")
		So(sv.Running, ShouldBeTrue)
		So(sv.Concurrency, ShouldEqual, 2)

		b, _ := json.Marshal(map[string]any{"jobId": ids[1]})
		qr, err := http.Post("http://"+w.Addr()+"/worker/queryJob", "application/json", bytes.NewReader(b))
		So(err, ShouldBeNil)
		var jv jobView
		_ = json.NewDecoder(qr.Body).Decode(&jv)
		_ = qr.Body.Close()
		So(jv.Status, ShouldEqual, simjob.StatusCompleted)
		So(jv.Progress, ShouldEqual, 100)
		So(jv.ClaimedBy, ShouldEqual, "w-test")

		So(w.Run(ctx), ShouldEqual, ErrAlreadyRunning)

		cancel()
		select {
		case err = <-done:
		case <-time.After(3 * time.Second):
			err = context.DeadlineExceeded
		}
		So(err, ShouldBeNil)
	})

	Convey("listen failure is returned", t, func() {
		o := fastOptions()
		o.ListenAddr = "256.0.0.1:bad"
		w, _ := NewWorker(WithStore(memstore.New()), WithSimulator(stubSim), WithOptions(o))
		So(w.Run(context.Background()), ShouldNotBeNil)
	})

	Convey("schema check failure stops before the loop", t, func() {
		st := unmigratedStore{memstore.New()}
		_, _ = st.Insert(context.Background(), []simjob.Parameters{{"frequency": 1}})
		w, _ := NewWorker(WithStore(st), WithSimulator(stubSim), WithOptions(fastOptions()))
		err := w.Run(context.Background())
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "claim_token")
		So(len(st.Results()), ShouldEqual, 0)
		So(w.Addr(), ShouldBeEmpty)
	})

	Convey("RunOnce and Reconcile", t, func() {
		st := memstore.New()
		_, _ = st.Insert(context.Background(), []simjob.Parameters{{"frequency": 1}})
		w, _ := NewWorker(WithStore(st), WithSimulator(stubSim), WithOptions(fastOptions()))
		stats, err := w.RunOnce(context.Background())
		So(err, ShouldBeNil)
		So(stats.Completed, ShouldEqual, 1)
		sw, err := w.Reconcile(context.Background())
		So(err, ShouldBeNil)
		So(sw.Scanned, ShouldEqual, 0)
	})
}

func TestWorker_Handlers(t *testing.T) {
	Convey("status routes", t, func() {
		st := memstore.New()
		w, _ := NewWorker(WithStore(st), WithSimulator(stubSim), WithOptions(fastOptions()))
		srv := httptest.NewServer(w.Handler())
		defer srv.Close()

		Convey("healthz before any cycle", func() {
			resp, err := http.Get(srv.URL + "/worker/healthz")
			So(err, ShouldBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusNoContent)
		})

		Convey("unknown job is 404, bad body is 400", func() {
			b, _ := json.Marshal(map[string]any{"jobId": 42})
			resp, err := http.Post(srv.URL+"/worker/queryJob", "application/json", bytes.NewReader(b))
			So(err, ShouldBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)

			resp, err = http.Post(srv.URL+"/worker/queryJob", "application/json", bytes.NewReader([]byte("{")))
			So(err, ShouldBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("in-flight jobs report their deadline, queued ones are flagged", func() {
			ids, _ := st.Insert(context.Background(), []simjob.Parameters{{"frequency": 1}, {"frequency": 2}})
			ins := w.trk.Start(context.Background(), ids[0], "u1", time.Minute)
			defer w.trk.Stop(ids[0])
			w.trk.Reserve(ids[1])
			defer w.trk.Release(ids[1])

			query := func(id int64) jobView {
				b, _ := json.Marshal(map[string]any{"jobId": id})
				resp, err := http.Post(srv.URL+"/worker/queryJob", "application/json", bytes.NewReader(b))
				So(err, ShouldBeNil)
				defer resp.Body.Close()
				var jv jobView
				So(json.NewDecoder(resp.Body).Decode(&jv), ShouldBeNil)
				return jv
			}
			running := query(ids[0])
			So(running.InFlight, ShouldBeTrue)
			So(running.Queued, ShouldBeFalse)
			So(running.Deadline, ShouldNotBeNil)
			So(running.Deadline.Equal(ins.Deadline), ShouldBeTrue)

			queued := query(ids[1])
			So(queued.InFlight, ShouldBeTrue)
			So(queued.Queued, ShouldBeTrue)
			So(queued.Deadline, ShouldBeNil)
		})

		Convey("wrong method is rejected", func() {
			resp, err := http.Get(srv.URL + "/worker/queryJob")
			So(err, ShouldBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}

func TestOpenStore(t *testing.T) {
	Convey("drivers", t, func() {
		s, closeFn, err := OpenStore(config.StoreConfig{Driver: config.DriverMemory})
		So(err, ShouldBeNil)
		So(s, ShouldNotBeNil)
		So(closeFn(), ShouldBeNil)

		s, closeFn, err = OpenStore(config.StoreConfig{Driver: config.DriverREST, URL: "http://127.0.0.1:1", Key: "k"})
		So(err, ShouldBeNil)
		So(s, ShouldNotBeNil)
		So(closeFn(), ShouldBeNil)

		dsn := filepath.Join(t.TempDir(), "jobs.db")
		s, closeFn, err = OpenStore(config.StoreConfig{Driver: config.DriverSQLite, DSN: dsn, AutoMigrate: true})
		So(err, ShouldBeNil)
		ids, err := s.Insert(context.Background(), []simjob.Parameters{{"radius": 100}})
		So(err, ShouldBeNil)
		So(len(ids), ShouldEqual, 1)
		So(closeFn(), ShouldBeNil)

		_, _, err = OpenStore(config.StoreConfig{Driver: "mongo"})
		So(err, ShouldNotBeNil)
	})
}
