// Package core implements the fundamental building blocks of a hive.
//
// A system is an independently running unit of state and behavior that
// owns a private inbox. Other systems talk to it only through an Address,
// a cloneable send capability bound to the system's Queue, and through
// events fanned out to its subscribers with Publish.
//
// The package provides the Address/Queue pair (see Init), the System
// contract, subscriber fan-out, the lifecycle state machine and the
// random SystemUID every system is identified by.
package core
