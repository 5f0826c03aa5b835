package task

import (
	"github.com/graft-project/graft-ng-sub001/internal/ctxstore"
	"github.com/pborman/uuid"
)

// Context is the split local/global Context Store view handed to every
// handler phase (§4.5). Local is unique per task; Global is shared by the
// whole process.
type Context struct {
	Local  *ctxstore.Local
	Global *ctxstore.Global

	selfID     uuid.UUID // this task's own postpone id, created lazily
	nextTaskID uuid.UUID // target uuid set by Context.SetNextTaskID when resuming another task

	// UpstreamBlocking implements send_upstream_blocking (§4.3): a
	// worker_action body calls it to make an upstream round trip and block
	// until the reply lands, without ever touching the Reactor's own
	// goroutine. Wired by internal/supernode's HTTP server when it builds
	// the task; refuses
	// (returns an error) unless InWorkerAction() holds for the calling task.
	UpstreamBlocking func(out Output) (Input, error)
}

func NewContext(global *ctxstore.Global) *Context {
	return &Context{Local: ctxstore.NewLocal(), Global: global}
}

// ID returns this task's own correlation id, creating one on first use
// unless create is false (mirrors Context::getId(bool create)).
func (c *Context) ID(create bool) uuid.UUID {
	if c.selfID == nil && create {
		c.selfID = uuid.NewRandom()
	}
	return c.selfID
}

// SetID lets a handler choose the postpone id explicitly (the uuid that
// Postpone parks the task under).
func (c *Context) SetID(id uuid.UUID) { c.selfID = id }

// NextTaskID returns the uuid of a prior task this one is meant to resume,
// or nil if none was set.
func (c *Context) NextTaskID() uuid.UUID { return c.nextTaskID }

// SetNextTaskID marks this task's completion as the answer that should
// resume the parked task identified by id.
func (c *Context) SetNextTaskID(id uuid.UUID) { c.nextTaskID = id }

func (c *Context) Reset() {
	c.Local.Reset()
	c.selfID = nil
	c.nextTaskID = nil
}
