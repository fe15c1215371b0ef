package entity

import (
	"github.com/najoast/hive/core"
	"github.com/najoast/hive/entity/mesh"
	"github.com/najoast/hive/resource"
)

// Entity is a loaded asset. Every stored entity is owned by the entity
// system's resource manager.
type Entity interface {
	entity()
}

// MeshEntity is a triangle mesh.
type MeshEntity struct {
	Mesh *mesh.Mesh
}

func (MeshEntity) entity() {}

// Msg is a message accepted by the entity system.
type Msg interface {
	entityMsg()
}

// Kill stops the entity system.
type Kill struct{}

// Ping makes the entity system publish HelloWorld.
type Ping struct{}

// Lookup asks for the entity stored under Handle. The answer is sent to
// Reply; the entity system takes ownership of that reference and releases it
// once answered.
type Lookup struct {
	Handle resource.Handle
	Reply  *core.Address[LookupResult]
}

// LookupResult answers a Lookup. Err wraps resource.ErrNoSuchHandle when
// the handle is unknown.
type LookupResult struct {
	Handle resource.Handle
	Name   string
	Entity Entity
	Err    error
}

// Unload drops the entity stored under Handle.
type Unload struct {
	Handle resource.Handle
}

// Rescan traverses the root directory again. Files whose content did not
// change are skipped.
type Rescan struct{}

// fileChanged is sent by the watcher when a file was written or created.
type fileChanged struct {
	path string
}

// fileRemoved is sent by the watcher when a file or directory disappeared.
type fileRemoved struct {
	path string
}

func (Kill) entityMsg()        {}
func (Ping) entityMsg()        {}
func (Lookup) entityMsg()      {}
func (Unload) entityMsg()      {}
func (Rescan) entityMsg()      {}
func (fileChanged) entityMsg() {}
func (fileRemoved) entityMsg() {}

// Event is published by the entity system.
type Event interface {
	entityEvent()
}

// HelloWorld answers Ping.
type HelloWorld struct{}

// Ready is published after each traversal of the root directory.
type Ready struct {
	Loaded  int
	Skipped int
	Failed  int
}

// Loaded is published when a new entity was wrapped.
type Loaded struct {
	Handle resource.Handle
	Name   string
}

// Reloaded is published when an entity was replaced under its handle.
type Reloaded struct {
	Handle resource.Handle
	Name   string
}

// Unloaded is published when an entity was dropped.
type Unloaded struct {
	Handle resource.Handle
	Name   string
}

func (HelloWorld) entityEvent() {}
func (Ready) entityEvent()      {}
func (Loaded) entityEvent()     {}
func (Reloaded) entityEvent()   {}
func (Unloaded) entityEvent()   {}
