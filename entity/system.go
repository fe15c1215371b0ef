// Package entity implements the entity system.
//
// The entity system loads resources, also known as entities, from a root
// directory. Every file is dispatched to a Loader by extension and the
// resulting Entity is wrapped in a resource manager under a stable Handle.
// With watching enabled the system reloads files as they change.
package entity

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/najoast/hive/core"
	"github.com/najoast/hive/engine"
	"github.com/najoast/hive/resource"
)

var (
	_ core.System[Msg, Event] = (*System)(nil)
	_ engine.Child            = (*System)(nil)
)

// Option configures a System.
type Option func(*System)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *System) {
		s.logger = logger
	}
}

// WithLoaders replaces the loader set. The default is DefaultLoaders.
func WithLoaders(loaders Loaders) Option {
	return func(s *System) {
		s.loaders = loaders
	}
}

// WithWatch enables reloading files when they change on disk.
func WithWatch(watch bool) Option {
	return func(s *System) {
		s.watch = watch
	}
}

// WithDebounce sets how long a file must stay quiet before it is reloaded.
func WithDebounce(d time.Duration) Option {
	return func(s *System) {
		s.debounce = d
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeFailed
	outcomeLoaded
	outcomeUnchanged
)

// System is the entity system.
type System struct {
	state core.Lifecycle

	uid         core.SystemUID
	runtimeAddr *core.Address[engine.Msg]

	// Directory where every resource this system knows about lives
	rootDir   string
	resources *resource.Manager[Entity]

	// Content digest of each loaded entity, to skip unchanged reloads
	digests map[resource.Handle]uint64

	// Handle of each loaded path
	paths map[string]resource.Handle

	addr  *core.Address[Msg]
	queue *core.Queue[Msg]

	subscribers core.Subscribers[Event]
	loaders     Loaders

	watch    bool
	debounce time.Duration
	watcher  *watcher

	logger *zap.Logger
	done   chan struct{}
}

// New creates an entity system. runtimeAddr is the parent notified on exit;
// the System takes ownership of that reference.
func New(runtimeAddr *core.Address[engine.Msg], uid core.SystemUID, rootDir string, opts ...Option) *System {
	addr, queue := core.Init[Msg]()

	s := &System{
		uid:         uid,
		runtimeAddr: runtimeAddr,
		rootDir:     filepath.Clean(rootDir),
		resources:   resource.NewManager[Entity](),
		digests:     make(map[resource.Handle]uint64),
		paths:       make(map[string]resource.Handle),
		addr:        addr,
		queue:       queue,
		loaders:     DefaultLoaders(),
		debounce:    200 * time.Millisecond,
		logger:      zap.NewNop(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("entity").With(zap.Stringer("uid", uid))

	return s
}

// UID returns the system's identifier.
func (s *System) UID() core.SystemUID {
	return s.uid
}

// Name returns "entity".
func (s *System) Name() string {
	return "entity"
}

// State returns the system's lifecycle state.
func (s *System) State() core.State {
	return s.state.State()
}

// Done is closed once the system stopped.
func (s *System) Done() <-chan struct{} {
	return s.done
}

// Addr returns a new reference to the system's Address.
func (s *System) Addr() *core.Address[Msg] {
	return s.addr.Clone()
}

// SendSelf sends msg to the system's own Address.
func (s *System) SendSelf(msg Msg) error {
	return s.addr.Send(msg)
}

// Stop sends Kill to the system.
func (s *System) Stop() error {
	return s.SendSelf(Kill{})
}

// Subscribe registers sub for entity events. Call it before Startup.
func (s *System) Subscribe(sub core.Subscriber[Event]) {
	s.subscribers.Subscribe(sub)
}

// Publish delivers event to every subscriber.
func (s *System) Publish(event Event) {
	s.subscribers.Publish(event)
}

// Startup runs the system on its own goroutine. It first loads every
// resource it can find under the root directory, then waits for messages.
func (s *System) Startup() {
	if !s.state.Transition(core.StateCreated, core.StateRunning) {
		s.logger.Warn("entity system already started", zap.Stringer("state", s.State()))
		return
	}
	go s.run()
}

// run is the main loop of the entity system.
func (s *System) run() {
	// Watch first so nothing written during the scan is missed. Files the
	// scan already loaded come back unchanged and are skipped.
	if s.watch {
		w, err := newWatcher(s.rootDir, s.addr.Clone(), s.debounce, s.logger)
		if err != nil {
			s.logger.Error("cannot watch root directory", zap.String("root", s.rootDir), zap.Error(err))
		} else {
			s.watcher = w
		}
	}

	s.Publish(s.scan())

	for {
		msg, ok := s.queue.Recv()
		if !ok {
			break
		}
		if _, kill := msg.(Kill); kill {
			break
		}
		s.handle(msg)
	}

	s.terminate()
}

func (s *System) handle(msg Msg) {
	switch m := msg.(type) {
	case Ping:
		s.Publish(HelloWorld{})

	case Lookup:
		s.lookup(m)

	case Unload:
		s.unload(m.Handle)

	case Rescan:
		s.Publish(s.scan())

	case fileChanged:
		s.fileChanged(m.path)

	case fileRemoved:
		s.fileRemoved(m.path)
	}
}

func (s *System) terminate() {
	s.state.Transition(core.StateRunning, core.StateTerminating)

	if s.watcher != nil {
		s.watcher.close()
	}
	s.queue.Close()

	core.NotifyExit(s.runtimeAddr, s.uid, engine.Msg(engine.SystemExit{UID: s.uid}))
	s.runtimeAddr.Release()

	s.state.Transition(core.StateTerminating, core.StateStopped)
	s.logger.Info("entity system stopped", zap.Int("resources", s.resources.Len()))
	close(s.done)
}

// traversal is the state of one scan of the root directory.
type traversal struct {
	ready Ready

	// Every regular file reached, whatever its outcome
	seen map[string]bool

	// Paths whose subtree could not be read completely
	incomplete []string

	// Real paths of the directories entered, to break symlink cycles
	visited map[string]bool
}

// scan traverses the root directory, loads every file it finds and unloads
// entities whose file is gone. Symbolic links are followed.
func (s *System) scan() Ready {
	t := &traversal{
		seen:    make(map[string]bool),
		visited: make(map[string]bool),
	}
	s.walk(t, s.rootDir, s.rootDir)
	s.prune(t)

	s.logger.Info("traversal done",
		zap.String("root", s.rootDir),
		zap.Int("loaded", t.ready.Loaded),
		zap.Int("skipped", t.ready.Skipped),
		zap.Int("failed", t.ready.Failed),
	)
	return t.ready
}

// walk traverses dir, reporting every path below it as if it lived below
// name. name differs from dir once a symlinked directory was followed.
func (s *System) walk(t *traversal, dir, name string) {
	_ = filepath.WalkDir(dir, func(onDisk string, d fs.DirEntry, err error) error {
		path := name
		if rel, relErr := filepath.Rel(dir, onDisk); relErr == nil {
			path = filepath.Join(name, rel)
		}

		if err != nil {
			s.logger.Error("cannot traverse", zap.String("path", path), zap.Error(err))
			t.incomplete = append(t.incomplete, path)
			return nil
		}

		switch {
		case d.IsDir():
			if target, err := filepath.EvalSymlinks(onDisk); err == nil {
				if t.visited[target] {
					s.logger.Warn("directory already traversed; ignoring", zap.String("path", path))
					return fs.SkipDir
				}
				t.visited[target] = true
			}
			s.logger.Debug("traversing", zap.String("path", path))

		case d.Type()&fs.ModeSymlink != 0:
			s.followLink(t, onDisk, path)

		case d.Type().IsRegular():
			s.count(t, path)

		default:
			s.logger.Warn("not a regular file; ignoring", zap.String("path", path))
			t.ready.Skipped++
		}
		return nil
	})
}

// followLink loads or traverses the target of the symbolic link at onDisk,
// reported as path.
func (s *System) followLink(t *traversal, onDisk, path string) {
	info, err := os.Stat(onDisk)
	if err != nil {
		s.logger.Warn("cannot follow symbolic link; ignoring", zap.String("path", path), zap.Error(err))
		t.ready.Skipped++
		return
	}

	switch {
	case info.IsDir():
		target, err := filepath.EvalSymlinks(onDisk)
		if err != nil {
			s.logger.Warn("cannot follow symbolic link; ignoring", zap.String("path", path), zap.Error(err))
			t.ready.Skipped++
			return
		}
		if t.visited[target] {
			s.logger.Warn("symbolic link loops; ignoring", zap.String("path", path), zap.String("target", target))
			t.ready.Skipped++
			return
		}
		s.walk(t, target, path)

	case info.Mode().IsRegular():
		s.count(t, path)

	default:
		s.logger.Warn("not a regular file; ignoring", zap.String("path", path))
		t.ready.Skipped++
	}
}

func (s *System) count(t *traversal, path string) {
	t.seen[path] = true

	switch s.loadFile(path) {
	case outcomeLoaded:
		t.ready.Loaded++
	case outcomeFailed:
		t.ready.Failed++
	case outcomeSkipped:
		t.ready.Skipped++
	}
}

// prune unloads every entity whose file the traversal did not reach, unless
// its subtree could not be read.
func (s *System) prune(t *traversal) {
	var gone []resource.Handle
	for path, h := range s.paths {
		if t.seen[path] || !within(path, s.rootDir) {
			continue
		}
		unsure := false
		for _, dir := range t.incomplete {
			if within(path, dir) {
				unsure = true
				break
			}
		}
		if !unsure {
			gone = append(gone, h)
		}
	}

	slices.Sort(gone)
	for _, h := range gone {
		s.unload(h)
	}
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

// loadFile dispatches path to its loader and wraps the result. A path that
// is already loaded keeps its handle.
func (s *System) loadFile(path string) outcome {
	s.logger.Debug("found resource file", zap.String("path", path))

	loader, ext, err := s.loaders.For(path)
	if err != nil {
		if ext == "" {
			s.logger.Warn("resource has no extension; ignoring", zap.String("path", path))
		} else {
			s.logger.Warn("unknown extension; ignoring", zap.String("ext", ext), zap.String("path", path))
		}
		return outcomeSkipped
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Error("cannot read resource", zap.String("path", path), zap.Error(err))
		return outcomeFailed
	}
	digest := xxhash.Sum64(data)

	h, known := s.paths[path]
	if known && s.digests[h] == digest {
		s.logger.Debug("resource unchanged", zap.String("path", path), zap.Stringer("handle", h))
		return outcomeUnchanged
	}

	ent, err := loader.Load(path, bytes.NewReader(data))
	if err != nil {
		s.logger.Error("cannot load resource", zap.String("ext", ext), zap.String("path", path), zap.Error(err))
		return outcomeFailed
	}

	if known {
		if err := s.resources.Replace(h, ent); err != nil {
			s.logger.Error("cannot replace resource", zap.String("path", path), zap.Error(err))
			return outcomeFailed
		}
		s.digests[h] = digest
		s.logger.Info("reloaded", zap.String("path", path), zap.Stringer("handle", h))
		s.Publish(Reloaded{Handle: h, Name: path})
		return outcomeLoaded
	}

	h = s.resources.Wrap(ent, path)
	s.digests[h] = digest
	s.paths[path] = h
	s.logger.Info("loaded", zap.String("path", path))
	s.logger.Debug("assigned handle", zap.String("path", path), zap.Stringer("handle", h))
	s.Publish(Loaded{Handle: h, Name: path})
	return outcomeLoaded
}

func (s *System) lookup(m Lookup) {
	result := LookupResult{Handle: m.Handle}

	ent, err := s.resources.Get(m.Handle)
	if err != nil {
		result.Err = err
	} else {
		result.Entity = ent
		result.Name, _ = s.resources.Name(m.Handle)
	}

	if m.Reply == nil {
		return
	}
	if err := m.Reply.Send(result); err != nil {
		s.logger.Debug("lookup reply dropped", zap.Stringer("handle", m.Handle), zap.Error(err))
	}
	m.Reply.Release()
}

func (s *System) unload(h resource.Handle) {
	name, err := s.resources.Name(h)
	if err != nil {
		s.logger.Warn("cannot unload", zap.Stringer("handle", h), zap.Error(err))
		return
	}

	if _, err := s.resources.Remove(h); err != nil {
		s.logger.Warn("cannot unload", zap.Stringer("handle", h), zap.Error(err))
		return
	}
	delete(s.digests, h)
	delete(s.paths, name)

	s.logger.Info("unloaded", zap.String("path", name), zap.Stringer("handle", h))
	s.Publish(Unloaded{Handle: h, Name: name})
}

func (s *System) fileChanged(path string) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.fileRemoved(path)
			return
		}
		s.logger.Error("cannot stat resource", zap.String("path", path), zap.Error(err))
		return
	}
	if !info.Mode().IsRegular() {
		return
	}

	s.loadFile(path)
}

// fileRemoved unloads path, or everything below it when it was a directory.
func (s *System) fileRemoved(path string) {
	var gone []resource.Handle
	for name, h := range s.paths {
		if within(name, path) {
			gone = append(gone, h)
		}
	}

	slices.Sort(gone)
	for _, h := range gone {
		s.unload(h)
	}
}
