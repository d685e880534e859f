package bridge

import (
	"errors"
	"sync"
	"time"
)

// FakeBridge is an in-memory Bridge for tests and for running the daemon
// without a kernel SCSI target loaded. Commands are injected with Inject
// and delivered to the next call to HandleProcessCommand, in FIFO order.
type FakeBridge struct {
	mu         sync.Mutex
	started    bool
	registered bool
	opts       RegisterOptions
	queue      []pendingCommand

	// FailNext, if set, is returned (and cleared) by the next
	// HandleProcessCommand call instead of delivering a command.
	FailNext error

	capacityNotifications int
}

type pendingCommand struct {
	cmd    Command
	replyC chan Response
}

// NewFakeBridge creates an unregistered FakeBridge.
func NewFakeBridge() *FakeBridge {
	return &FakeBridge{}
}

func (b *FakeBridge) Start(blockSize uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

func (b *FakeBridge) Restart(blockSize uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return errors.New("bridge: restart called before start")
	}
	return nil
}

func (b *FakeBridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
	b.registered = false
	return nil
}

func (b *FakeBridge) Register(opts RegisterOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered = true
	b.opts = opts
	return nil
}

func (b *FakeBridge) Registered() (bool, RegisterOptions) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registered, b.opts
}

// Inject appends a command to the delivery queue without waiting for it to
// be handled.
func (b *FakeBridge) Inject(cmd Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, pendingCommand{cmd: cmd})
}

// InjectAndWait appends a command and blocks until some call to
// HandleProcessCommand has dequeued and handled it, returning its Response.
// Useful for driving a Volume's worker threads from a test and observing
// the result.
func (b *FakeBridge) InjectAndWait(cmd Command) Response {
	replyC := make(chan Response, 1)
	b.mu.Lock()
	b.queue = append(b.queue, pendingCommand{cmd: cmd, replyC: replyC})
	b.mu.Unlock()
	return <-replyC
}

func (b *FakeBridge) HandleProcessCommand(handler Handler) (bool, error) {
	b.mu.Lock()
	if b.FailNext != nil {
		err := b.FailNext
		b.FailNext = nil
		b.mu.Unlock()
		return false, err
	}
	if len(b.queue) == 0 {
		b.mu.Unlock()
		// Mirror the real bridge's blocking poll with a timeout so a
		// worker loop driven by this fake still yields periodically.
		time.Sleep(time.Millisecond)
		return false, nil
	}
	pc := b.queue[0]
	b.queue = b.queue[1:]
	b.mu.Unlock()

	resp := handler.Handle(pc.cmd)
	if pc.replyC != nil {
		pc.replyC <- resp
	}
	return true, nil
}

// SetFailNext arranges for the next HandleProcessCommand call to return err
// instead of delivering a command. Safe to call concurrently with a running
// worker loop, unlike setting the FailNext field directly.
func (b *FakeBridge) SetFailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.FailNext = err
}

func (b *FakeBridge) NotifyDeviceCapacityChanged() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacityNotifications++
	return nil
}

// CapacityNotifications reports how many times
// NotifyDeviceCapacityChanged has been called.
func (b *FakeBridge) CapacityNotifications() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacityNotifications
}

var _ Bridge = (*FakeBridge)(nil)
