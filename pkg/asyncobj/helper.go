package asyncobj

import (
	"context"
	"fmt"
	"sync"

	"github.com/sammck-go/guactunnel/pkg/logger"
)

// HandleOnceShutdowner is an interface that must be implemented by the object managed by Helper
type HandleOnceShutdowner interface {
	// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
	// as an advisory completion value, actually shut down, then return the real completion value.
	// This method will never be called while shutdown is deferred.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is an interface implemented by objects that provide
// asynchronous shutdown capability.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown of the object. If the object
	// has already been scheduled for shutdown, it has no effect.
	// completionErr is an advisory error (or nil) to use as the completion status
	// from WaitShutdown(). The implementation may use this value or decide to return
	// something else.
	StartShutdown(completionErr error)

	// ShutdownDoneChan returns a chan that is closed after shutdown is complete.
	ShutdownDoneChan() <-chan struct{}

	// IsDoneShutdown returns true once shutdown is completely done.
	IsDoneShutdown() bool

	// WaitShutdown blocks until the object is completely shut down, and
	// returns the final completion status
	WaitShutdown() error
}

// Helper is a base that manages clean asynchronous object shutdown for an
// object that implements HandleOnceShutdowner
type Helper struct {
	// Logger is the Logger that will be used for log output from this helper
	logger.Logger

	// Lock is a general-purpose fine-grained mutex for this helper; it may be used
	// as a general-purpose lock by derived objects as well
	Lock sync.Mutex

	shutdownHandler HandleOnceShutdowner

	// deferCount is the number of outstanding DeferShutdown calls; shutdown
	// cannot start until it drops to zero
	deferCount int

	isActivated         bool
	isScheduledShutdown bool
	isStartedShutdown   bool
	isDoneShutdown      bool

	// shutdownErr contains the final completion status after isDoneShutdown is true
	shutdownErr error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	// wg is waited on after HandleOnceShutdown returns; it counts children
	wg sync.WaitGroup
}

// NewHelper creates a new Helper on the heap
func NewHelper(lg logger.Logger, shutdownHandler HandleOnceShutdowner) *Helper {
	h := &Helper{}
	h.InitHelper(lg, shutdownHandler)
	return h
}

// InitHelper initializes a Helper in place
func (h *Helper) InitHelper(lg logger.Logger, shutdownHandler HandleOnceShutdowner) {
	h.Logger = lg
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// asyncDoStartedShutdown starts background processing of shutdown *after*
// h.isStartedShutdown has already been set to true and h.shutdownErr has been set
// to the advisory completion error
func (h *Helper) asyncDoStartedShutdown() {
	h.TLogf("->shutdownStarted")
	close(h.shutdownStartedChan)
	go func() {
		h.Lock.Lock()
		advisoryErr := h.shutdownErr
		h.Lock.Unlock()

		finalErr := h.shutdownHandler.HandleOnceShutdown(advisoryErr)

		h.Lock.Lock()
		h.shutdownErr = finalErr
		h.Lock.Unlock()
		h.TLogf("->shutdownHandlerDone")
		close(h.shutdownHandlerDoneChan)

		h.wg.Wait()

		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		h.TLogf("->shutdownDone")
		close(h.shutdownDoneChan)
	}()
}

// SetIsActivated marks the object as activated. Fails if shutdown has already started.
func (h *Helper) SetIsActivated() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// IsActivated returns true if this helper has been activated
func (h *Helper) IsActivated() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isActivated
}

// DeferShutdown increments the shutdown defer count, preventing shutdown from starting. Returns an error
// if shutdown has already started. Deferring does not prevent shutdown from being scheduled
// with StartShutdown(), it just prevents actual async shutdown from beginning. Each call
// to DeferShutdown must pair with a matching call to UndeferShutdown, even when it fails.
func (h *Helper) DeferShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	h.deferCount++
	if h.isStartedShutdown {
		return h.Errorf("shutdown already started")
	}
	return nil
}

// UndeferShutdown decrements the shutdown defer count, and if it becomes zero, allows shutdown to start
func (h *Helper) UndeferShutdown() {
	h.Lock.Lock()
	if h.deferCount < 1 {
		h.Lock.Unlock()
		h.Panicf("UndeferShutdown before DeferShutdown")
		return
	}
	h.deferCount--
	doShutdownNow := h.deferCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// DoOnceActivate activates the object by running onceActivateHandler with shutdown
// deferred. If the handler fails, shutdown is started with its error and, if
// waitOnFail is true, DoOnceActivate waits for shutdown to finish before returning.
func (h *Helper) DoOnceActivate(onceActivateHandler func() error, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.deferCount++
	h.Lock.Unlock()

	err := onceActivateHandler()
	if err == nil {
		err = h.SetIsActivated()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.UndeferShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ShutdownOnContext begins background monitoring of a context.Context, and
// will begin asynchronously shutting down this helper with the context's error
// if the context is completed. This method does not block, it just
// constrains the lifetime of this object to a context.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsScheduledShutdown returns true if StartShutdown() has been called
func (h *Helper) IsScheduledShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isScheduledShutdown
}

// IsStartedShutdown returns true if shutdown has begun. It continues to return true after shutdown
// is complete
func (h *Helper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsDoneShutdown returns true if shutdown is complete.
func (h *Helper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// ShutdownWG returns a sync.WaitGroup that you can call Add() on to
// defer final completion of shutdown until the specified number of calls to
// ShutdownWG().Done() are made
func (h *Helper) ShutdownWG() *sync.WaitGroup {
	return &h.wg
}

// ShutdownStartedChan returns a channel that will be closed as soon as shutdown is initiated
func (h *Helper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a channel that will be closed after shutdown is done
func (h *Helper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown waits for the shutdown to complete, then returns the shutdown status.
// It does not initiate shutdown.
func (h *Helper) WaitShutdown() error {
	<-h.shutdownDoneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.shutdownErr
}

// Shutdown performs a synchronous shutdown. It initiates shutdown if it has
// not already started, waits for the shutdown to complete, then returns
// the final shutdown status
func (h *Helper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown of the object. If the object
// has already been scheduled for shutdown, it has no effect. If shutting down has
// been deferred, actual starting of the shutdown process is postponed until the
// last UndeferShutdown.
//
// Only the first call has any effect. It will, in order:
//
//   - invoke HandleOnceShutdown with the advisory completion status; the
//     return value becomes the final completion status
//   - start shutdown of every registered child with that status
//   - wait for children and the shutdown wait group
//   - signal completion
func (h *Helper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.deferCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with an advisory completion status of nil, and returns the final
// completion status
func (h *Helper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChildChan adds a chan that will be waited on before this object's shutdown is
// considered complete. The helper will not take any action to cause the chan to be
// closed; it is the caller's responsibility to do that.
func (h *Helper) AddShutdownChildChan(childDoneChan <-chan struct{}) {
	h.wg.Add(1)
	go func() {
		<-childDoneChan
		h.wg.Done()
	}()
}

// AddShutdownChild adds a child object to the set of objects that will be
// actively shut down by this helper after HandleOnceShutdown() returns, before this
// object's shutdown is considered complete. The child will be shut down with an advisory
// completion status equal to the status returned from HandleOnceShutdown. A child that
// finishes on its own is simply released.
func (h *Helper) AddShutdownChild(child AsyncShutdowner) {
	h.TLogf("AddShutdownChild(%s)", describe(child))
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			h.Lock.Lock()
			err := h.shutdownErr
			h.Lock.Unlock()
			child.StartShutdown(err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}

func describe(v interface{}) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", v)
}
