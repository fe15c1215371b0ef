package engine

import (
	"github.com/najoast/hive/core"
)

// Msg is a message accepted by the Runtime.
type Msg interface {
	engineMsg()
}

// SystemSpawned registers a child system. Stop asks the child to terminate.
type SystemSpawned struct {
	UID  core.SystemUID
	Name string
	Stop func() error
}

// SystemExit is the exit notification a child sends once it stops.
type SystemExit struct {
	UID core.SystemUID
}

// Shutdown asks every child to stop, then stops the Runtime.
type Shutdown struct{}

func (SystemSpawned) engineMsg() {}
func (SystemExit) engineMsg()    {}
func (Shutdown) engineMsg()      {}

// Event is published by the Runtime to its subscribers.
type Event interface {
	engineEvent()
}

// SystemStarted is published when a child registers.
type SystemStarted struct {
	UID  core.SystemUID
	Name string
}

// SystemExited is published when a child reports its exit.
type SystemExited struct {
	UID  core.SystemUID
	Name string
}

// AllStopped is published once a shutdown completed.
type AllStopped struct{}

func (SystemStarted) engineEvent() {}
func (SystemExited) engineEvent()  {}
func (AllStopped) engineEvent()    {}

// Child is a system the Runtime can account for.
type Child interface {
	// UID returns the identifier the child reports its exit with.
	UID() core.SystemUID

	// Name is used for diagnostics only.
	Name() string

	// Startup begins running the child.
	Startup()

	// Stop asks the child to terminate.
	Stop() error
}
