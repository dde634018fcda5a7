package main

import (
	"bytes"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/mengeric/simjob-worker/config"
)

func execute(args ...string) (string, error) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	Convey("sweep dry-run prints the grid", t, func() {
		out, err := execute("sweep", "--dry-run", "--axis", "radius:100:120:10", "--axis", "height:400:500:100", "--set", "frequency=10")
		So(err, ShouldBeNil)
		So(out, ShouldContainSubstring, "6 parameter sets")
		So(out, ShouldContainSubstring, "frequency:10")
	})

	Convey("bad axis and bad constant are rejected", t, func() {
		_, err := execute("sweep", "--dry-run", "--axis", "radius:1:2")
		So(err, ShouldNotBeNil)
		_, err = execute("sweep", "--dry-run", "--axis", "radius:1:2:1", "--set", "frequency=ten")
		So(err, ShouldNotBeNil)
	})

	Convey("missing credentials stop before the loop starts", t, func() {
		t.Setenv("SIMJOB_STORE_DRIVER", "rest")
		t.Setenv("SIMJOB_STORE_URL", "")
		t.Setenv("SIMJOB_STORE_KEY", "")
		t.Setenv("SUPABASE_URL", "")
		t.Setenv("SUPABASE_KEY", "")
		_, err := execute("run", "--once")
		So(errors.Is(err, config.ErrMissingCredentials), ShouldBeTrue)
	})

	Convey("memory store commands", t, func() {
		t.Setenv("SIMJOB_STORE_DRIVER", "memory")
		out, err := execute("sweep", "--axis", "radius:1:3:1")
		So(err, ShouldBeNil)
		So(out, ShouldContainSubstring, "submitted 3 jobs")

		out, err = execute("reconcile")
		So(err, ShouldBeNil)
		So(out, ShouldContainSubstring, "scanned=0")

		_, err = execute("run", "--once", "--listen", "")
		So(err, ShouldBeNil)
	})

	Convey("schema prints the migration and checks the store", t, func() {
		t.Setenv("SIMJOB_STORE_DRIVER", "memory")
		out, err := execute("schema")
		So(err, ShouldBeNil)
		So(out, ShouldContainSubstring, "ALTER TABLE simulation_jobs")
		So(out, ShouldContainSubstring, "claim_token")

		out, err = execute("schema", "--check")
		So(err, ShouldBeNil)
		So(out, ShouldContainSubstring, "schema ok")
	})
}
