package channel

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caffeineduck/pywb/protocol"
)

const testTimeout = 5 * time.Second

// handlerFunc processes one inbound message on a fake context. Messages are
// handled sequentially, like a worker's event loop.
type handlerFunc func(w *fakeWorker, m *protocol.Message)

// fakeWorker is an in-memory execution context driven by a handlerFunc.
type fakeWorker struct {
	id string

	toCtrlR   *io.PipeReader
	toCtrlW   *io.PipeWriter
	fromCtrlR *io.PipeReader
	fromCtrlW *io.PipeWriter

	enc   *protocol.Encoder
	inbox chan *protocol.Message
	flag  atomic.Pointer[protocol.InterruptFlag]

	terminated chan struct{}
	termOnce   sync.Once
}

func newFakeWorker(id string, handle handlerFunc) *fakeWorker {
	w := &fakeWorker{
		id:         id,
		inbox:      make(chan *protocol.Message, 64),
		terminated: make(chan struct{}),
	}
	w.toCtrlR, w.toCtrlW = io.Pipe()
	w.fromCtrlR, w.fromCtrlW = io.Pipe()
	w.enc = protocol.NewEncoder(w.toCtrlW)

	go func() {
		defer close(w.inbox)
		dec := protocol.NewDecoder(w.fromCtrlR)
		for {
			m, err := dec.ReadMessage()
			if err != nil {
				return
			}
			w.inbox <- m
		}
	}()

	go func() {
		for m := range w.inbox {
			handle(w, m)
		}
	}()

	return w
}

func (w *fakeWorker) ID() string                  { return w.id }
func (w *fakeWorker) Read(p []byte) (int, error)  { return w.toCtrlR.Read(p) }
func (w *fakeWorker) Write(p []byte) (int, error) { return w.fromCtrlW.Write(p) }

func (w *fakeWorker) ShareInterrupt(f *protocol.InterruptFlag) string {
	w.flag.Store(f)
	return "ref-" + w.id
}

func (w *fakeWorker) Terminate() error {
	w.termOnce.Do(func() {
		close(w.terminated)
		w.toCtrlW.Close()
		w.fromCtrlR.Close()
	})
	return nil
}

// send writes a message to the controller, ignoring errors after termination.
func (w *fakeWorker) send(m *protocol.Message) {
	_ = w.enc.WriteMessage(m)
}

func (w *fakeWorker) finish(id uint64, result any, errMsg string) {
	w.send(protocol.Finished(id, result, errMsg))
}

// crash closes the output stream as if the context died.
func (w *fakeWorker) crash() {
	w.toCtrlW.Close()
}

func (w *fakeWorker) interrupted() bool {
	f := w.flag.Load()
	return f != nil && f.Interrupted()
}

// fakeSpawner hands out fakeWorkers running the same handler.
type fakeSpawner struct {
	handle handlerFunc

	mu      sync.Mutex
	workers []*fakeWorker
}

func (s *fakeSpawner) Spawn() (Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := newFakeWorker(fmt.Sprintf("w%d", len(s.workers)+1), s.handle)
	s.workers = append(s.workers, w)
	return w, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *fakeSpawner) worker(i int) *fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[i]
}

func (s *fakeSpawner) terminations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.workers {
		select {
		case <-w.terminated:
			n++
		default:
		}
	}
	return n
}

// echoHandler answers Init and Ping, and answers Run with its code.
func echoHandler(w *fakeWorker, m *protocol.Message) {
	switch m.Kind {
	case protocol.KindInit, protocol.KindPing:
		w.finish(m.ID, nil, "")
	case protocol.KindRun:
		w.finish(m.ID, m.Code, "")
	}
}

func newTestChannel(t *testing.T, handle handlerFunc) (*Channel, *fakeSpawner) {
	t.Helper()
	sp := &fakeSpawner{handle: handle}
	ch := New(sp)
	t.Cleanup(func() { ch.Close() })
	return ch, sp
}

type sendResult struct {
	msg *protocol.Message
	err error
}

func waitResult(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for Send to return")
		return sendResult{}
	}
}
