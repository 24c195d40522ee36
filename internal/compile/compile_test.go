package compile

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/smartystreets/goconvey/convey"

	"firmbuild/internal/collect"
	"firmbuild/internal/command"
	"firmbuild/internal/config"
	"firmbuild/internal/toolchain"
)

func TestCommonRoot(t *testing.T) {
	Convey("GIVEN: Sources spread over a tree", t, func() {
		paths := []string{
			filepath.FromSlash("/a/b/x.c"),
			filepath.FromSlash("/a/b/c/y.c"),
			filepath.FromSlash("/a/z.c"),
		}
		Convey("THEN: The root is the deepest shared directory with a separator", func() {
			So(CommonRoot(paths), ShouldEqual, filepath.FromSlash("/a/"))
		})
	})
	Convey("GIVEN: Paths differing in case", t, func() {
		paths := []string{filepath.FromSlash("/Src/Core/a.c"), filepath.FromSlash("/src/core/Sub/b.c")}
		Convey("THEN: Prefixes compare ignoring case", func() {
			So(CommonRoot(paths), ShouldEqual, filepath.FromSlash("/Src/Core/"))
		})
	})
	Convey("GIVEN: One file", t, func() {
		So(CommonRoot([]string{filepath.FromSlash("/a/b/x.c")}), ShouldEqual, filepath.FromSlash("/a/b/"))
	})
	Convey("GIVEN: Nothing", t, func() {
		So(CommonRoot(nil), ShouldEqual, "")
	})
}

func TestLayout(t *testing.T) {
	root := filepath.FromSlash("/src/")
	for _, c := range []struct {
		debug, tiny bool
		dir         string
	}{
		{false, false, "Obj"},
		{true, false, "ObjD"},
		{false, true, "ObjT"},
		{true, true, "ObjT"},
	} {
		l := Layout{Output: filepath.FromSlash("/out"), Root: root, Debug: c.debug, Tiny: c.tiny}
		assert.Equal(t, filepath.FromSlash("/out/"+c.dir+"/Core/Sys"), l.ObjectBase(filepath.FromSlash("/src/Core/Sys.cpp")))
	}
	l := Layout{Output: filepath.FromSlash("/out"), Root: root}
	assert.Equal(t, filepath.FromSlash("/out/List/startup"), l.ListBase(filepath.FromSlash("/src/Core/startup.s")))
	assert.Equal(t, filepath.FromSlash("/out/Obj/x"), l.ObjectBase(filepath.FromSlash("/elsewhere/x.c")))
}

func TestFresh(t *testing.T) {
	dir := t.TempDir()
	obj := filepath.Join(dir, "a.o")
	require.NoError(t, os.WriteFile(obj, nil, 0o644))
	now := time.Now()
	objTime := now.Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(obj, objTime, objTime))

	Convey("GIVEN: An object written ten minutes ago", t, func() {
		Convey("WHEN: The source is older", func() {
			Convey("THEN: It is fresh within the threshold", func() {
				So(Fresh(obj, objTime.Add(-time.Minute), time.Hour, now), ShouldBeTrue)
			})
			Convey("THEN: It is stale past the threshold", func() {
				So(Fresh(obj, objTime.Add(-time.Minute), 5*time.Minute, now), ShouldBeFalse)
			})
			Convey("THEN: A zero threshold never reuses", func() {
				So(Fresh(obj, objTime.Add(-time.Minute), 0, now), ShouldBeFalse)
			})
		})
		Convey("WHEN: The source is newer", func() {
			So(Fresh(obj, objTime.Add(time.Second), time.Hour, now), ShouldBeFalse)
		})
		Convey("WHEN: The source has the same time", func() {
			So(Fresh(obj, objTime, time.Hour, now), ShouldBeFalse)
		})
	})
	assert.False(t, Fresh(filepath.Join(dir, "missing.o"), objTime, time.Hour, now))
}

func TestTracker(t *testing.T) {
	Convey("GIVEN: Expected objects in a directory", t, func() {
		dir := t.TempDir()
		expected := []string{filepath.Join(dir, "a.o"), filepath.Join(dir, "b.o"), filepath.Join(dir, "c.o")}
		tr := &Tracker{Interval: 20 * time.Millisecond, Log: zerolog.Nop(), Progress: io.Discard}

		Convey("WHEN: Every object appears", func() {
			go func() {
				for _, p := range expected {
					time.Sleep(10 * time.Millisecond)
					os.WriteFile(p, nil, 0o644)
				}
			}()
			tr.Deadline = time.Now().Add(5 * time.Second)
			r := tr.Wait(context.Background(), expected, nil)
			Convey("THEN: All are done before the deadline", func() {
				So(r.TimedOut, ShouldBeFalse)
				So(len(r.Done), ShouldEqual, 3)
				So(r.Pending, ShouldBeEmpty)
			})
		})
		Convey("WHEN: One object never appears", func() {
			So(os.WriteFile(expected[0], nil, 0o644), ShouldBeNil)
			So(os.WriteFile(expected[2], nil, 0o644), ShouldBeNil)
			tr.Deadline = time.Now().Add(150 * time.Millisecond)
			start := time.Now()
			r := tr.Wait(context.Background(), expected, nil)
			Convey("THEN: The wait ends at the deadline with it pending", func() {
				So(r.TimedOut, ShouldBeTrue)
				So(r.Pending, ShouldResemble, []string{expected[1]})
				So(len(r.Done), ShouldEqual, 2)
				So(time.Since(start), ShouldBeLessThan, 2*time.Second)
			})
		})
		Convey("WHEN: A missing object is abandoned", func() {
			So(os.WriteFile(expected[0], nil, 0o644), ShouldBeNil)
			So(os.WriteFile(expected[1], nil, 0o644), ShouldBeNil)
			abandoned := make(chan string, 1)
			abandoned <- expected[2]
			tr.Deadline = time.Now().Add(10 * time.Second)
			start := time.Now()
			r := tr.Wait(context.Background(), expected, abandoned)
			Convey("THEN: The wait ends without it and without a timeout", func() {
				So(r.TimedOut, ShouldBeFalse)
				So(r.Abandoned, ShouldResemble, []string{expected[2]})
				So(len(r.Done), ShouldEqual, 2)
				So(time.Since(start), ShouldBeLessThan, 5*time.Second)
			})
		})
		Convey("WHEN: The context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			r := tr.Wait(ctx, expected, nil)
			Convey("THEN: Everything is still pending", func() {
				So(len(r.Pending), ShouldEqual, 3)
			})
		})
	})
}

// fakeToolchain writes the file named by `-o`, failing for sources whose
// base name is in `fail`.
type fakeToolchain struct {
	mu    sync.Mutex
	calls int32
	fail  map[string]bool
	lines []toolchain.Command
}

func (f *fakeToolchain) Run(_ context.Context, cmd toolchain.Command) toolchain.Result {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.lines = append(f.lines, cmd)
	f.mu.Unlock()
	src := cmd.Args[len(cmd.Args)-1]
	if f.fail[filepath.Base(src)] {
		return toolchain.Result{Code: 1, Stderr: "\"" + src + "\", line 3: Error:  #20: identifier \"x\" is undefined\n"}
	}
	for i, a := range cmd.Args {
		if a == "-o" && i+1 < len(cmd.Args) {
			if err := os.WriteFile(cmd.Args[i+1], []byte("obj:"+src), 0o644); err != nil {
				return toolchain.Result{Code: 1, Stderr: err.Error()}
			}
		}
	}
	return toolchain.Result{Duration: time.Millisecond}
}

type fixture struct {
	src     string
	out     string
	sources []collect.SourceFile
	runner  *fakeToolchain
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{src: t.TempDir(), out: t.TempDir(), runner: &fakeToolchain{fail: map[string]bool{}}}
	old := time.Now().Add(-time.Hour)
	for _, rel := range []string{"Sys.cpp", "Core/Time.cpp", "Core/startup.s", "Drivers/Spi.c"} {
		p := filepath.Join(f.src, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("int x;\n"), 0o644))
		require.NoError(t, os.Chtimes(p, old, old))
		f.sources = append(f.sources, collect.SourceFile{Path: p, Ext: strings.ToLower(filepath.Ext(p)), ModTime: old})
	}
	return f
}

func (f *fixture) stage(t *testing.T, mutate func(c *config.Config)) *Stage {
	t.Helper()
	c := config.Default()
	c.Output = f.out
	c.Debug = true
	c.Jobs = 2
	c.Timeout = 10 * time.Second
	if mutate != nil {
		mutate(c)
	}
	cfg, err := c.Finalize()
	require.NoError(t, err)
	b, err := command.New(cfg, nil)
	require.NoError(t, err)
	return &Stage{
		Config:    cfg,
		Builder:   b,
		Compiler:  "armcc",
		Assembler: "armasm",
		Runner:    f.runner,
		Log:       zerolog.Nop(),
		Interval:  20 * time.Millisecond,
		Progress:  io.Discard,
	}
}

func TestStage_Run(t *testing.T) {
	Convey("GIVEN: A source tree and an empty output directory", t, func() {
		f := newFixture(t)
		s := f.stage(t, nil)

		Convey("WHEN: Run the stage", func() {
			r, err := s.Run(context.Background(), f.sources)
			So(err, ShouldBeNil)
			Convey("THEN: Every source is compiled into the mirrored tree", func() {
				So(r.Compiled, ShouldEqual, 4)
				So(r.Failed, ShouldEqual, 0)
				So(r.TimedOut, ShouldBeFalse)
				So(r.Root, ShouldEqual, f.src+string(filepath.Separator))
				So(r.Objects, ShouldResemble, []string{
					filepath.Join(f.out, "ObjD", "Sys.o"),
					filepath.Join(f.out, "ObjD", "Core", "Time.o"),
					filepath.Join(f.out, "ObjD", "Core", "startup.o"),
					filepath.Join(f.out, "ObjD", "Drivers", "Spi.o"),
				})
			})
			Convey("THEN: Assembly goes to the assembler with a listing", func() {
				var asm *toolchain.Command
				for i := range f.runner.lines {
					if f.runner.lines[i].Tool == "armasm" {
						asm = &f.runner.lines[i]
					}
				}
				So(asm, ShouldNotBeNil)
				So(asm.Args, ShouldContain, filepath.Join(f.out, "List", "startup.lst"))
				So(asm.Timeout, ShouldEqual, 10*time.Second)
			})
			Convey("THEN: The compilation database lists every source", func() {
				entries, err := ReadDatabase(filepath.Join(f.out, DatabaseFile))
				So(err, ShouldBeNil)
				So(len(entries), ShouldEqual, 4)
				So(entries[0].Arguments[0], ShouldEqual, "armcc")
			})
			Convey("AND WHEN: Run again", func() {
				calls := atomic.LoadInt32(&f.runner.calls)
				r2, err := s.Run(context.Background(), f.sources)
				Convey("THEN: Nothing is compiled and the same objects are reported", func() {
					So(err, ShouldBeNil)
					So(atomic.LoadInt32(&f.runner.calls), ShouldEqual, calls)
					So(r2.Skipped, ShouldEqual, 4)
					So(r2.Compiled, ShouldEqual, 0)
					So(r2.Objects, ShouldResemble, r.Objects)
				})
			})
		})
		Convey("WHEN: Run, then run again with another define", func() {
			_, err := s.Run(context.Background(), f.sources)
			So(err, ShouldBeNil)
			s2 := f.stage(t, func(c *config.Config) { c.Defines = config.NewStringSet("USE_UART2") })
			r2, err := s2.Run(context.Background(), f.sources)
			Convey("THEN: Fresh objects with a different command are rebuilt", func() {
				So(err, ShouldBeNil)
				So(r2.Compiled, ShouldEqual, 4)
				So(r2.Skipped, ShouldEqual, 0)
			})
		})
		Convey("WHEN: One source fails", func() {
			f.runner.fail["Spi.c"] = true
			start := time.Now()
			r, err := s.Run(context.Background(), f.sources)
			Convey("THEN: It is recorded and excluded without waiting for the deadline", func() {
				So(err, ShouldBeNil)
				So(r.Failed, ShouldEqual, 1)
				So(r.Compiled, ShouldEqual, 3)
				So(len(r.Objects), ShouldEqual, 3)
				So(r.TimedOut, ShouldBeFalse)
				So(time.Since(start), ShouldBeLessThan, 5*time.Second)
				So(r.Files[3].Output, ShouldContainSubstring, "Error:")
			})
		})
		Convey("WHEN: A stale object exists", func() {
			obj := filepath.Join(f.out, "ObjD", "Sys.o")
			So(os.MkdirAll(filepath.Dir(obj), 0o755), ShouldBeNil)
			So(os.WriteFile(obj, []byte("old"), 0o644), ShouldBeNil)
			ancient := time.Now().Add(-2 * time.Hour)
			So(os.Chtimes(obj, ancient, ancient), ShouldBeNil)
			r, err := s.Run(context.Background(), f.sources)
			Convey("THEN: It is rebuilt", func() {
				So(err, ShouldBeNil)
				So(r.Compiled, ShouldEqual, 4)
				b, _ := os.ReadFile(obj)
				So(string(b), ShouldStartWith, "obj:")
			})
		})
		Convey("WHEN: Preprocessing", func() {
			s := f.stage(t, func(c *config.Config) { c.Preprocess = true })
			r, err := s.Run(context.Background(), f.sources)
			Convey("THEN: Outputs keep the source extension and nothing is linkable", func() {
				So(err, ShouldBeNil)
				So(r.Objects, ShouldBeEmpty)
				_, err := os.Stat(filepath.Join(f.out, "ObjD", "Sys.cpp"))
				So(err, ShouldBeNil)
				_, err = os.Stat(filepath.Join(f.out, DatabaseFile))
				So(os.IsNotExist(err), ShouldBeTrue)
			})
		})
	})
}

func TestStage_Timeout(t *testing.T) {
	f := newFixture(t)
	s := f.stage(t, func(c *config.Config) { c.Timeout = 200 * time.Millisecond })
	release := make(chan struct{})
	defer close(release)
	inner := f.runner
	s.Runner = toolchain.RunnerFunc(func(ctx context.Context, cmd toolchain.Command) toolchain.Result {
		if strings.HasSuffix(cmd.Args[len(cmd.Args)-1], "Time.cpp") {
			<-release
			return toolchain.Result{Code: toolchain.Failure}
		}
		return inner.Run(ctx, cmd)
	})
	start := time.Now()
	r, err := s.Run(context.Background(), f.sources)
	require.NoError(t, err)
	assert.True(t, r.TimedOut)
	assert.Len(t, r.Pending, 1)
	assert.Len(t, r.Objects, 3, "only existing objects are linkable")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, r.Files[1].Done)
}

func TestStage_DeadlineStopsDispatch(t *testing.T) {
	f := newFixture(t)
	s := f.stage(t, func(c *config.Config) {
		c.Jobs = 1
		c.Timeout = 150 * time.Millisecond
	})
	var started int32
	inner := f.runner
	s.Runner = toolchain.RunnerFunc(func(ctx context.Context, cmd toolchain.Command) toolchain.Result {
		atomic.AddInt32(&started, 1)
		time.Sleep(120 * time.Millisecond)
		return inner.Run(ctx, cmd)
	})
	r, err := s.Run(context.Background(), f.sources)
	require.NoError(t, err)
	assert.True(t, r.TimedOut)

	dispatched := 0
	for _, fr := range r.Files {
		if fr.Dispatched {
			dispatched++
		}
	}
	assert.Less(t, dispatched, len(f.sources))
	assert.Equal(t, len(f.sources)-dispatched, r.Undispatched)

	// Let the running job finish; nothing else may start.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(dispatched), atomic.LoadInt32(&started))
}

func TestStage_NoSources(t *testing.T) {
	f := newFixture(t)
	_, err := f.stage(t, nil).Run(context.Background(), nil)
	assert.Equal(t, ErrNoSources, errors.Cause(err))
}
