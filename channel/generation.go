package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/caffeineduck/pywb/protocol"
)

// generation is the state tied to one execution context instance.
type generation struct {
	worker Worker
	enc    *protocol.Encoder
	flag   *protocol.InterruptFlag

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *protocol.Message
	dead    bool // set once the context's stream ends or it is terminated

	initDone chan struct{}
	initErr  error
}

func newGeneration(w Worker) *generation {
	return &generation{
		worker:   w,
		enc:      protocol.NewEncoder(w),
		flag:     protocol.NewInterruptFlag(),
		pending:  make(map[uint64]chan *protocol.Message),
		initDone: make(chan struct{}),
	}
}

// initialize shares the interrupt flag and issues Init. Run requests wait
// on initDone.
func (g *generation) initialize() {
	defer close(g.initDone)

	ref := g.worker.ShareInterrupt(g.flag)
	resp, err := g.call(context.Background(), *protocol.Init(ref))
	if err != nil {
		g.initErr = err
		return
	}
	if resp.Error != "" {
		g.initErr = fmt.Errorf("%w: %s", ErrInitFailed, resp.Error)
	}
}

// call registers a waiter, writes m and waits for the matching Finished.
func (g *generation) call(ctx context.Context, m protocol.Message) (*protocol.Message, error) {
	ch := make(chan *protocol.Message, 1)

	g.mu.Lock()
	if g.dead {
		g.mu.Unlock()
		return nil, ErrAbandoned
	}
	id := g.allocIDLocked()
	m.ID = id
	g.pending[id] = ch
	g.mu.Unlock()

	if err := g.enc.WriteMessage(&m); err != nil {
		g.forget(id)
		if g.isDead() {
			return nil, ErrAbandoned
		}
		return nil, fmt.Errorf("channel: send %s: %w", m.Kind, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrAbandoned
		}
		return resp, nil
	case <-ctx.Done():
		g.forget(id)
		// The reply may have landed just before cancellation.
		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, ErrAbandoned
			}
			return resp, nil
		default:
			return nil, ctx.Err()
		}
	}
}

// allocIDLocked returns the next id not currently in flight.
func (g *generation) allocIDLocked() uint64 {
	for {
		g.nextID = g.nextID%maxRequestID + 1
		if _, busy := g.pending[g.nextID]; !busy {
			return g.nextID
		}
	}
}

// resolve hands m to its waiter. It reports false if nothing was waiting.
func (g *generation) resolve(m *protocol.Message) bool {
	g.mu.Lock()
	ch, ok := g.pending[m.ID]
	if ok {
		delete(g.pending, m.ID)
	}
	g.mu.Unlock()

	if ok {
		ch <- m
	}
	return ok
}

func (g *generation) forget(id uint64) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

func (g *generation) isDead() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dead
}

// abandon releases every waiter without a reply.
func (g *generation) abandon() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dead = true
	for id, ch := range g.pending {
		close(ch)
		delete(g.pending, id)
	}
}

func (g *generation) terminate() error {
	g.abandon()
	return g.worker.Terminate()
}
