package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error contexts
// ---------------------------------------------------------------------------

// DefaultErrorStackSize is the default bound on nested error contexts.
const DefaultErrorStackSize = 64

// Handler runs when an error is raised inside its context. cur is the frame
// executing at the time of the raise; at is the frame the context was pushed
// from. Handlers discard the planes of every level between the two.
type Handler func(cur, at *Frame)

// noHandler replaces a handler that has already run.
func noHandler(cur, at *Frame) {}

// Context is a recoverable point on the error stack.
type Context struct {
	frame   *Frame
	sp      int
	handler Handler
	index   int
}

// Frame returns the frame the context was pushed from.
func (c *Context) Frame() *Frame { return c.frame }

// Error is a recoverable error travelling back to the nearest context.
type Error struct {
	Message string

	// target is the context the error is addressed to; nil once landed.
	target *Context
	cause  error
}

func (e *Error) Error() string { return e.Message }

// Unwrap returns the collaborator error this error was raised from, if any.
func (e *Error) Unwrap() error { return e.cause }

// FatalError is the panic value of Terminate.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string { return "Fatal error: " + e.Message }

// ErrorStack is the bounded stack of error contexts of one execution.
//
// Failures travel as returned errors: Raise runs the nearest handler at once,
// so planes are discarded before the error leaves the frame that raised it,
// and the owner of the context lands the error with Land.
type ErrorStack struct {
	stack  []*Context
	max    int
	msg    string
	cframe *Frame
	fatals int
}

// NewErrorStack creates an error stack holding at most max contexts.
func NewErrorStack(max int) *ErrorStack {
	if max <= 0 {
		max = DefaultErrorStackSize
	}
	return &ErrorStack{max: max}
}

// Depth returns the number of pushed contexts.
func (s *ErrorStack) Depth() int { return len(s.stack) }

// Frame returns the current frame.
func (s *ErrorStack) Frame() *Frame { return s.cframe }

// SetFrame sets the current frame.
func (s *ErrorStack) SetFrame(f *Frame) { s.cframe = f }

// Message returns the message of the most recent error.
func (s *ErrorStack) Message() string { return s.msg }

// Push registers a recoverable point at frame f. Exceeding the bound is fatal.
func (s *ErrorStack) Push(f *Frame, handler Handler) *Context {
	if len(s.stack) == s.max {
		s.Terminate("Too many nested error contexts")
	}
	c := &Context{frame: f, handler: handler, index: len(s.stack)}
	if f != nil && f.Stack != nil {
		c.sp = f.Stack.SP()
	}
	s.stack = append(s.stack, c)
	return c
}

// Pop removes c, which must be the most recently pushed context.
func (s *ErrorStack) Pop(c *Context) {
	if len(s.stack) == 0 {
		s.Terminate("pop empty error stack")
	}
	if top := s.stack[len(s.stack)-1]; top != c {
		s.Terminate("error context popped out of order (%d, top %d)", c.index, top.index)
	}
	s.stack[len(s.stack)-1] = nil
	s.stack = s.stack[:len(s.stack)-1]
}

// Raise raises a recoverable error. The first context from the top down that
// carries a handler has it replaced with a no-op and then invoked, so a raise
// from within the handler, or a second raise before landing, cannot run it
// again. With no context at all the error is fatal.
func (s *ErrorStack) Raise(format string, args ...any) *Error {
	if format != "" {
		s.msg = fmt.Sprintf(format, args...)
	}
	return s.raise(&Error{Message: s.msg})
}

func (s *ErrorStack) raise(e *Error) *Error {
	if len(s.stack) == 0 {
		s.Terminate("unhandled error: %s", e.Message)
	}
	s.msg = e.Message
	e.target = s.stack[len(s.stack)-1]
	for i := len(s.stack) - 1; i >= 0; i-- {
		c := s.stack[i]
		if c.handler != nil {
			h := c.handler
			c.handler = noHandler
			h(s.cframe, c.frame)
			break
		}
	}
	return e
}

// Land is called by the owner of c with the error its protected code
// returned. An error not addressed to c (a collaborator error, or one already
// landed deeper) is raised first. Every context above c and c itself are
// discarded, the frame and stack pointer saved by Push are restored, and the
// landed error is returned.
func (s *ErrorStack) Land(c *Context, err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Message: err.Error(), cause: err}
	}
	if e.target != c {
		e = s.raise(e)
	}
	if c.index >= len(s.stack) || s.stack[c.index] != c {
		s.Terminate("landing on a context that is not on the stack")
	}
	clear(s.stack[c.index:])
	s.stack = s.stack[:c.index]
	if c.frame != nil && c.frame.Stack != nil {
		c.frame.Stack.Truncate(c.sp)
	}
	s.cframe = c.frame
	e.target = nil
	return e
}

// Terminate reports a fatal error and panics with *FatalError. The
// diagnostic is logged only for the first fatal error.
func (s *ErrorStack) Terminate(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if s.fatals == 0 {
		log.Criticalf("Fatal error: %s", msg)
	}
	s.fatals++
	panic(&FatalError{Message: msg})
}
