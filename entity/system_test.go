package entity

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/najoast/hive/core"
	"github.com/najoast/hive/engine"
	"github.com/najoast/hive/entity/mesh"
	"github.com/najoast/hive/internal/testutil"
	"github.com/najoast/hive/resource"
)

const triangle = "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"

const quad = "v 0 0 0\nv 1 0 0\nv 1 1 0\nv 0 1 0\nf 1 2 3 4\n"

type fixture struct {
	root   string
	sys    *System
	events *core.Queue[Event]
	parent *core.Queue[engine.Msg]
	logs   *observer.ObservedLogs
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func newFixture(t *testing.T, files map[string]string, opts ...Option) *fixture {
	t.Helper()

	root := t.TempDir()
	writeFiles(t, root, files)

	observed, logs := observer.New(zapcore.DebugLevel)
	parent, parentQueue := core.Init[engine.Msg]()
	events, eventQueue := core.Init[Event]()

	opts = append([]Option{WithLogger(zap.New(observed))}, opts...)
	sys := New(parent, core.NewSystemUID(), root, opts...)
	sys.Subscribe(events)
	require.Equal(t, core.StateCreated, sys.State())

	f := &fixture{root: root, sys: sys, events: eventQueue, parent: parentQueue, logs: logs}
	t.Cleanup(func() {
		if sys.State() == core.StateRunning {
			_ = sys.Stop()
			<-sys.Done()
		}
	})
	return f
}

func (f *fixture) start(t *testing.T) Ready {
	t.Helper()
	f.sys.Startup()

	ev, _ := testutil.RecvMatch(t, f.events, isReady)
	return ev.(Ready)
}

func (f *fixture) lookup(t *testing.T, h resource.Handle) LookupResult {
	t.Helper()

	reply, replies := core.Init[LookupResult]()
	defer reply.Release()

	require.NoError(t, f.sys.SendSelf(Lookup{Handle: h, Reply: reply.Clone()}))
	return testutil.Recv(t, replies)
}

func isReady(ev Event) bool {
	_, ok := ev.(Ready)
	return ok
}

func TestStartupLoadsDirectory(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.obj": triangle,
		"b.obj": "v 0 0 0\nv 1 x 0\n",
		"c.txt": "not a mesh",
	})

	f.sys.Startup()
	ev, skipped := testutil.RecvMatch(t, f.events, isReady)

	assert.Equal(t, Ready{Loaded: 1, Skipped: 1, Failed: 1}, ev)
	require.Len(t, skipped, 1)
	loaded, ok := skipped[0].(Loaded)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(f.root, "a.obj"), loaded.Name)
	assert.True(t, loaded.Handle.IsValid())

	unknown := f.logs.FilterMessage("unknown extension; ignoring").All()
	require.Len(t, unknown, 1)
	assert.Equal(t, filepath.Join(f.root, "c.txt"), unknown[0].ContextMap()["path"])

	failed := f.logs.FilterMessage("cannot load resource").All()
	require.Len(t, failed, 1)
	assert.Equal(t, filepath.Join(f.root, "b.obj"), failed[0].ContextMap()["path"])

	assert.Equal(t, core.StateRunning, f.sys.State())

	// Still servicing its queue
	require.NoError(t, f.sys.SendSelf(Ping{}))
	assert.Equal(t, HelloWorld{}, testutil.Recv(t, f.events))
}

func TestStartupTraversesSubdirectories(t *testing.T) {
	f := newFixture(t, map[string]string{
		"meshes/a.obj":         triangle,
		"meshes/deep/B.OBJ":    quad,
		"meshes/deep/README":   "no extension",
		"textures/ignored.png": "png",
	})

	ready := f.start(t)
	assert.Equal(t, Ready{Loaded: 2, Skipped: 2}, ready)
	assert.Equal(t, 1, f.logs.FilterMessage("resource has no extension; ignoring").Len())
}

func TestStartupMissingRoot(t *testing.T) {
	observed, logs := observer.New(zapcore.DebugLevel)
	parent, _ := core.Init[engine.Msg]()
	events, eventQueue := core.Init[Event]()

	sys := New(parent, core.NewSystemUID(), filepath.Join(t.TempDir(), "missing"), WithLogger(zap.New(observed)))
	sys.Subscribe(events)
	sys.Startup()
	defer func() {
		_ = sys.Stop()
		<-sys.Done()
	}()

	assert.Equal(t, Ready{}, testutil.Recv(t, eventQueue))
	assert.Equal(t, 1, logs.FilterMessage("cannot traverse").Len())
	assert.Equal(t, core.StateRunning, sys.State())
}

func TestKillNotifiesParent(t *testing.T) {
	f := newFixture(t, map[string]string{"a.obj": triangle})
	f.start(t)

	require.NoError(t, f.sys.Stop())

	select {
	case <-f.sys.Done():
	case <-time.After(testutil.DefaultTimeout):
		t.Fatal("entity system did not stop")
	}

	assert.Equal(t, engine.SystemExit{UID: f.sys.UID()}, testutil.Recv(t, f.parent))
	assert.Equal(t, 0, f.parent.Len())
	assert.Equal(t, core.StateStopped, f.sys.State())

	assert.ErrorIs(t, f.sys.SendSelf(Ping{}), core.ErrCannotSend)
	assert.ErrorIs(t, f.sys.Stop(), core.ErrCannotSend)
}

func TestKillWithoutParentPanics(t *testing.T) {
	parent, parentQueue := core.Init[engine.Msg]()
	parentQueue.Close()

	sys := New(parent, core.NewSystemUID(), t.TempDir())
	require.NoError(t, sys.SendSelf(Kill{}))

	// Run the loop on this goroutine to observe the panic
	require.True(t, sys.state.Transition(core.StateCreated, core.StateRunning))
	assert.Panics(t, sys.run)
}

func TestLookupAndUnload(t *testing.T) {
	f := newFixture(t, map[string]string{"a.obj": quad})

	f.sys.Startup()
	ev := testutil.Recv(t, f.events)
	loaded, ok := ev.(Loaded)
	require.True(t, ok)
	testutil.Recv(t, f.events)

	result := f.lookup(t, loaded.Handle)
	require.NoError(t, result.Err)
	assert.Equal(t, loaded.Name, result.Name)
	meshEntity, ok := result.Entity.(MeshEntity)
	require.True(t, ok)
	assert.Equal(t, 2, meshEntity.Mesh.TriangleCount())

	require.NoError(t, f.sys.SendSelf(Unload{Handle: loaded.Handle}))
	assert.Equal(t, Unloaded{Handle: loaded.Handle, Name: loaded.Name}, testutil.Recv(t, f.events))

	result = f.lookup(t, loaded.Handle)
	assert.ErrorIs(t, result.Err, resource.ErrNoSuchHandle)
	assert.Nil(t, result.Entity)

	// Unloading twice only warns
	require.NoError(t, f.sys.SendSelf(Unload{Handle: loaded.Handle}))
	require.NoError(t, f.sys.SendSelf(Ping{}))
	assert.Equal(t, HelloWorld{}, testutil.Recv(t, f.events))
	assert.Equal(t, 1, f.logs.FilterMessage("cannot unload").Len())
}

func TestRescan(t *testing.T) {
	f := newFixture(t, map[string]string{"a.obj": triangle})
	f.start(t)

	writeFiles(t, f.root, map[string]string{"b.obj": triangle})
	require.NoError(t, f.sys.SendSelf(Rescan{}))

	ev, skipped := testutil.RecvMatch(t, f.events, isReady)
	assert.Equal(t, Ready{Loaded: 1}, ev)
	require.Len(t, skipped, 1)
	assert.Equal(t, filepath.Join(f.root, "b.obj"), skipped[0].(Loaded).Name)
}

func TestRescanUnloadsDeletedFiles(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.obj":      triangle,
		"keep/b.obj": triangle,
	})

	f.sys.Startup()
	_, skipped := testutil.RecvMatch(t, f.events, isReady)
	require.Len(t, skipped, 2)

	handles := map[string]resource.Handle{}
	for _, ev := range skipped {
		loaded := ev.(Loaded)
		handles[loaded.Name] = loaded.Handle
	}

	path := filepath.Join(f.root, "a.obj")
	require.NoError(t, os.Remove(path))
	require.NoError(t, f.sys.SendSelf(Rescan{}))

	ev, skipped := testutil.RecvMatch(t, f.events, isReady)
	assert.Equal(t, Ready{}, ev)
	assert.Equal(t, []Event{Unloaded{Handle: handles[path], Name: path}}, skipped)

	result := f.lookup(t, handles[path])
	assert.ErrorIs(t, result.Err, resource.ErrNoSuchHandle)

	kept := filepath.Join(f.root, "keep", "b.obj")
	result = f.lookup(t, handles[kept])
	require.NoError(t, result.Err)
	assert.Equal(t, kept, result.Name)
}

func TestStartupFollowsSymlinks(t *testing.T) {
	outside := t.TempDir()
	writeFiles(t, outside, map[string]string{
		"real.obj":  triangle,
		"dir/d.obj": quad,
	})

	f := newFixture(t, map[string]string{"a.obj": triangle})
	require.NoError(t, os.Symlink(filepath.Join(outside, "real.obj"), filepath.Join(f.root, "link.obj")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "dir"), filepath.Join(f.root, "linkdir")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "missing.obj"), filepath.Join(f.root, "broken.obj")))
	require.NoError(t, os.Symlink(f.root, filepath.Join(f.root, "loop")))

	f.sys.Startup()
	ev, skipped := testutil.RecvMatch(t, f.events, isReady)

	assert.Equal(t, Ready{Loaded: 3, Skipped: 2}, ev)

	var names []string
	for _, ev := range skipped {
		names = append(names, ev.(Loaded).Name)
	}
	assert.ElementsMatch(t, []string{
		filepath.Join(f.root, "a.obj"),
		filepath.Join(f.root, "link.obj"),
		filepath.Join(f.root, "linkdir", "d.obj"),
	}, names)

	assert.Equal(t, 1, f.logs.FilterMessage("cannot follow symbolic link; ignoring").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("symbolic link loops; ignoring").Len())

	// A rescan finds the same files through the same links
	require.NoError(t, f.sys.SendSelf(Rescan{}))
	ev, skipped = testutil.RecvMatch(t, f.events, isReady)
	assert.Equal(t, Ready{Skipped: 2}, ev)
	assert.Empty(t, skipped)
}

func TestLookupReleasesReply(t *testing.T) {
	f := newFixture(t, map[string]string{"a.obj": triangle})
	f.start(t)

	reply, replies := core.Init[LookupResult]()
	require.NoError(t, f.sys.SendSelf(Lookup{Handle: resource.Handle(1), Reply: reply}))

	result := testutil.Recv(t, replies)
	require.NoError(t, result.Err)

	closed := make(chan bool, 1)
	go func() {
		_, ok := replies.Recv()
		closed <- !ok
	}()

	select {
	case ok := <-closed:
		assert.True(t, ok)
	case <-time.After(testutil.DefaultTimeout):
		t.Fatal("reply queue never observed closure")
	}
}

func TestCustomLoaders(t *testing.T) {
	loaded := 0
	loaders := DefaultLoaders()
	loaders["txt"] = LoaderFunc(func(name string, r io.Reader) (Entity, error) {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, errors.New("empty")
		}
		loaded++
		return MeshEntity{Mesh: &mesh.Mesh{}}, nil
	})

	f := newFixture(t, map[string]string{
		"a.obj": triangle,
		"c.txt": "text",
		"d.txt": "",
	}, WithLoaders(loaders))

	assert.Equal(t, Ready{Loaded: 2, Failed: 1}, f.start(t))
	assert.Equal(t, 1, loaded)
}

func TestWatchReloadsChangedFiles(t *testing.T) {
	f := newFixture(t, map[string]string{"a.obj": triangle},
		WithWatch(true),
		WithDebounce(20*time.Millisecond),
	)

	f.sys.Startup()
	first, ok := testutil.Recv(t, f.events).(Loaded)
	require.True(t, ok)
	testutil.RecvMatch(t, f.events, isReady)

	path := filepath.Join(f.root, "a.obj")

	// Same bytes: nothing to reload
	require.NoError(t, os.WriteFile(path, []byte(triangle), 0o644))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, f.sys.SendSelf(Ping{}))
	_, skipped := testutil.RecvMatch(t, f.events, func(ev Event) bool { return ev == HelloWorld{} })
	assert.Empty(t, skipped)

	// New content keeps the handle
	require.NoError(t, os.WriteFile(path, []byte(quad), 0o644))
	ev, _ := testutil.RecvMatch(t, f.events, func(ev Event) bool {
		_, ok := ev.(Reloaded)
		return ok
	})
	assert.Equal(t, Reloaded{Handle: first.Handle, Name: path}, ev)

	result := f.lookup(t, first.Handle)
	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.Entity.(MeshEntity).Mesh.TriangleCount())

	// New file gets a new handle
	writeFiles(t, f.root, map[string]string{"b.obj": triangle})
	ev, _ = testutil.RecvMatch(t, f.events, func(ev Event) bool {
		_, ok := ev.(Loaded)
		return ok
	})
	assert.Equal(t, filepath.Join(f.root, "b.obj"), ev.(Loaded).Name)
	assert.NotEqual(t, first.Handle, ev.(Loaded).Handle)

	// Removal unloads
	require.NoError(t, os.Remove(path))
	ev, _ = testutil.RecvMatch(t, f.events, func(ev Event) bool {
		_, ok := ev.(Unloaded)
		return ok
	})
	assert.Equal(t, Unloaded{Handle: first.Handle, Name: path}, ev)

	require.NoError(t, f.sys.Stop())
	<-f.sys.Done()
	assert.Equal(t, engine.SystemExit{UID: f.sys.UID()}, testutil.Recv(t, f.parent))
}

func TestLoadersFor(t *testing.T) {
	loaders := DefaultLoaders()

	_, ext, err := loaders.For("mesh.OBJ")
	require.NoError(t, err)
	assert.Equal(t, "obj", ext)

	_, ext, err = loaders.For("notes.md")
	assert.ErrorIs(t, err, ErrUnknownExtension)
	assert.Equal(t, "md", ext)

	_, ext, err = loaders.For("Makefile")
	assert.ErrorIs(t, err, ErrUnknownExtension)
	assert.Empty(t, ext)
}

func TestRuntimeShutdownStopsEntitySystem(t *testing.T) {
	observed, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(observed)

	rt := engine.New(engine.WithLogger(logger))
	runtimeEvents, runtimeQueue := core.Init[engine.Event]()
	rt.Subscribe(runtimeEvents)
	rt.Startup()

	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.obj": triangle})

	sys := New(rt.Addr(), core.NewSystemUID(), root, WithLogger(logger), WithWatch(true))
	events, eventQueue := core.Init[Event]()
	sys.Subscribe(events)
	require.NoError(t, rt.Spawn(sys))

	assert.Equal(t, engine.SystemStarted{UID: sys.UID(), Name: "entity"}, testutil.Recv(t, runtimeQueue))
	testutil.RecvMatch(t, eventQueue, isReady)

	require.NoError(t, rt.Shutdown())

	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultTimeout)
	defer cancel()
	require.NoError(t, rt.Wait(ctx))

	assert.Equal(t, engine.SystemExited{UID: sys.UID(), Name: "entity"}, testutil.Recv(t, runtimeQueue))
	assert.Equal(t, engine.AllStopped{}, testutil.Recv(t, runtimeQueue))

	// The exit notification precedes the final state change
	<-sys.Done()
	assert.Equal(t, core.StateStopped, sys.State())
	assert.Equal(t, core.StateStopped, rt.State())
	assert.Equal(t, 0, rt.Children())
	assert.Equal(t, 1, logs.FilterMessage("entity system stopped").Len())
}
