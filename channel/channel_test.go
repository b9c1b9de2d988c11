package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caffeineduck/pywb/protocol"
)

func TestSendRunRoundTrip(t *testing.T) {
	ch, sp := newTestChannel(t, echoHandler)

	resp, err := ch.Send(context.Background(), protocol.Run("x = 1", nil, "", false))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Result != "x = 1" {
		t.Errorf("result = %v, want echoed code", resp.Result)
	}
	if sp.count() != 1 {
		t.Errorf("spawned %d contexts, want 1", sp.count())
	}
}

func TestSendRejectsNonRequest(t *testing.T) {
	ch, sp := newTestChannel(t, echoHandler)

	if _, err := ch.Send(context.Background(), protocol.Stdout("x")); err == nil {
		t.Fatal("expected error sending a non-request")
	}
	if sp.count() != 0 {
		t.Error("rejected send should not spawn a context")
	}
}

func TestRepliesCorrelateOutOfOrder(t *testing.T) {
	const n = 5

	var (
		mu   sync.Mutex
		runs []*protocol.Message
	)
	handler := func(w *fakeWorker, m *protocol.Message) {
		switch m.Kind {
		case protocol.KindInit:
			w.finish(m.ID, nil, "")
		case protocol.KindRun:
			mu.Lock()
			runs = append(runs, m)
			if len(runs) == n {
				for i := len(runs) - 1; i >= 0; i-- {
					w.finish(runs[i].ID, runs[i].Code, "")
				}
			}
			mu.Unlock()
		}
	}
	ch, _ := newTestChannel(t, handler)

	results := make([]chan sendResult, n)
	for i := range results {
		results[i] = make(chan sendResult, 1)
		code := fmt.Sprintf("job-%d", i)
		go func(out chan sendResult) {
			resp, err := ch.Send(context.Background(), protocol.Run(code, nil, "", false))
			out <- sendResult{resp, err}
		}(results[i])
	}

	for i, out := range results {
		r := waitResult(t, out)
		if r.err != nil {
			t.Fatalf("send %d: %v", i, r.err)
		}
		if want := fmt.Sprintf("job-%d", i); r.msg.Result != want {
			t.Errorf("send %d got %v, want %v", i, r.msg.Result, want)
		}
	}
}

func TestRunWaitsForInit(t *testing.T) {
	var initReplied atomic.Bool
	var order []protocol.Kind
	var mu sync.Mutex
	violation := make(chan string, 1)

	handler := func(w *fakeWorker, m *protocol.Message) {
		mu.Lock()
		order = append(order, m.Kind)
		mu.Unlock()

		switch m.Kind {
		case protocol.KindInit:
			time.Sleep(50 * time.Millisecond)
			initReplied.Store(true)
			w.finish(m.ID, nil, "")
		case protocol.KindRun:
			if !initReplied.Load() {
				select {
				case violation <- "run observed before init completed":
				default:
				}
			}
			w.finish(m.ID, nil, "")
		}
	}
	ch, _ := newTestChannel(t, handler)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ch.Send(context.Background(), protocol.Run("pass", nil, "", false)); err != nil {
				t.Errorf("Send: %v", err)
			}
		}()
	}
	wg.Wait()

	select {
	case msg := <-violation:
		t.Fatal(msg)
	default:
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) == 0 || order[0] != protocol.KindInit {
		t.Errorf("first message = %v, want init", order)
	}
}

func TestInitFailureFailsRuns(t *testing.T) {
	handler := func(w *fakeWorker, m *protocol.Message) {
		switch m.Kind {
		case protocol.KindInit:
			w.finish(m.ID, nil, "interpreter missing")
		case protocol.KindRun:
			w.finish(m.ID, nil, "")
		}
	}
	ch, _ := newTestChannel(t, handler)

	_, err := ch.Send(context.Background(), protocol.Run("pass", nil, "", false))
	if !errors.Is(err, ErrInitFailed) {
		t.Fatalf("expected ErrInitFailed, got %v", err)
	}
}

func TestOutputOrderPreserved(t *testing.T) {
	handler := func(w *fakeWorker, m *protocol.Message) {
		switch m.Kind {
		case protocol.KindInit:
			w.finish(m.ID, nil, "")
		case protocol.KindRun:
			w.send(protocol.Stdout("a"))
			w.send(protocol.Stdout("b"))
			w.send(protocol.Stderr("c"))
			w.finish(m.ID, nil, "")
		}
	}
	ch, _ := newTestChannel(t, handler)

	var mu sync.Mutex
	var events []string
	ch.OnStdout(func(s string) {
		mu.Lock()
		events = append(events, "out:"+s)
		mu.Unlock()
	})
	ch.OnStderr(func(s string) {
		mu.Lock()
		events = append(events, "err:"+s)
		mu.Unlock()
	})

	if _, err := ch.Send(context.Background(), protocol.Run("go", nil, "", false)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"out:a", "out:b", "err:c"}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestLastSinkRegistrationWins(t *testing.T) {
	handler := func(w *fakeWorker, m *protocol.Message) {
		switch m.Kind {
		case protocol.KindInit:
			w.finish(m.ID, nil, "")
		case protocol.KindRun:
			w.send(protocol.Stdout("hello"))
			w.finish(m.ID, nil, "")
		}
	}
	ch, _ := newTestChannel(t, handler)

	var first, second atomic.Int32
	ch.OnStdout(func(string) { first.Add(1) })
	ch.OnStdout(func(string) { second.Add(1) })

	if _, err := ch.Send(context.Background(), protocol.Run("go", nil, "", false)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if first.Load() != 0 || second.Load() != 1 {
		t.Errorf("first=%d second=%d, want 0 and 1", first.Load(), second.Load())
	}
}

func TestUnknownMessagesIgnored(t *testing.T) {
	handler := func(w *fakeWorker, m *protocol.Message) {
		switch m.Kind {
		case protocol.KindInit:
			w.finish(m.ID, nil, "")
		case protocol.KindRun:
			w.send(&protocol.Message{Kind: "progress", Text: "50%"})
			w.finish(m.ID+1000, nil, "stray")
			w.finish(m.ID, "done", "")
		}
	}
	ch, _ := newTestChannel(t, handler)

	resp, err := ch.Send(context.Background(), protocol.Run("go", nil, "", false))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Result != "done" || resp.Error != "" {
		t.Errorf("unexpected reply %+v", resp)
	}
}

func TestStopGracefulKeepsContext(t *testing.T) {
	handler := func(w *fakeWorker, m *protocol.Message) {
		switch m.Kind {
		case protocol.KindInit, protocol.KindPing:
			w.finish(m.ID, nil, "")
		case protocol.KindRun:
			if m.Code == "busy" {
				for !w.interrupted() {
					time.Sleep(time.Millisecond)
				}
				w.finish(m.ID, nil, "Interrupted")
				return
			}
			w.finish(m.ID, "ok", "")
		}
	}
	ch, sp := newTestChannel(t, handler)

	if err := ch.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before := ch.Instance()

	out := make(chan sendResult, 1)
	go func() {
		resp, err := ch.Send(context.Background(), protocol.Run("busy", nil, "", false))
		out <- sendResult{resp, err}
	}()
	time.Sleep(20 * time.Millisecond)

	outcome, err := ch.Stop(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if outcome != StopGraceful {
		t.Fatalf("outcome = %s, want graceful", outcome)
	}

	r := waitResult(t, out)
	if r.err != nil {
		t.Fatalf("interrupted run: %v", r.err)
	}
	if r.msg.Error != "Interrupted" {
		t.Errorf("error = %q, want Interrupted", r.msg.Error)
	}

	if ch.Instance() != before {
		t.Errorf("instance changed from %s to %s", before, ch.Instance())
	}
	if sp.count() != 1 || sp.terminations() != 0 {
		t.Errorf("spawned=%d terminated=%d, want 1 and 0", sp.count(), sp.terminations())
	}

	resp, err := ch.Send(context.Background(), protocol.Run("next", nil, "", false))
	if err != nil {
		t.Fatalf("run after graceful stop: %v", err)
	}
	if resp.Result != "ok" {
		t.Errorf("result = %v, want ok", resp.Result)
	}
}

func TestStopForcesUnresponsiveContext(t *testing.T) {
	handler := func(w *fakeWorker, m *protocol.Message) {
		switch m.Kind {
		case protocol.KindInit, protocol.KindPing:
			w.finish(m.ID, nil, "")
		case protocol.KindRun:
			if m.Code == "hang" {
				<-w.terminated
				return
			}
			w.finish(m.ID, "ok", "")
		}
	}
	ch, sp := newTestChannel(t, handler)

	if err := ch.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before := ch.Instance()

	out := make(chan sendResult, 1)
	go func() {
		resp, err := ch.Send(context.Background(), protocol.Run("hang", nil, "", false))
		out <- sendResult{resp, err}
	}()
	time.Sleep(20 * time.Millisecond)

	outcome, err := ch.Stop(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if outcome != StopForced {
		t.Fatalf("outcome = %s, want forced", outcome)
	}
	if sp.count() != 2 || sp.terminations() != 1 {
		t.Errorf("spawned=%d terminated=%d, want 2 and 1", sp.count(), sp.terminations())
	}
	if ch.Instance() == before {
		t.Error("expected a new instance after forced stop")
	}

	r := waitResult(t, out)
	if !errors.Is(r.err, ErrAbandoned) {
		t.Fatalf("pending run: got %v, want ErrAbandoned", r.err)
	}

	resp, err := ch.Send(context.Background(), protocol.Run("again", nil, "", false))
	if err != nil {
		t.Fatalf("run on new context: %v", err)
	}
	if resp.Result != "ok" {
		t.Errorf("result = %v, want ok", resp.Result)
	}
}

func TestReplacementContextCannotResolveOldRequests(t *testing.T) {
	var runsSeen atomic.Int32
	handler := func(w *fakeWorker, m *protocol.Message) {
		switch m.Kind {
		case protocol.KindInit:
			w.finish(m.ID, nil, "")
		case protocol.KindRun:
			if runsSeen.Add(1) == 1 {
				<-w.terminated
				return
			}
			w.finish(m.ID, "new", "")
		}
	}
	ch, sp := newTestChannel(t, handler)

	out := make(chan sendResult, 1)
	go func() {
		resp, err := ch.Send(context.Background(), protocol.Run("old", nil, "", false))
		out <- sendResult{resp, err}
	}()
	for runsSeen.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	if _, err := ch.Stop(context.Background(), 50*time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The replacement context answers ids starting from 1 again; none of
	// those replies may reach the abandoned waiter.
	fresh := sp.worker(1)
	for id := uint64(1); id <= 3; id++ {
		fresh.finish(id, "spurious", "")
	}

	r := waitResult(t, out)
	if !errors.Is(r.err, ErrAbandoned) {
		t.Fatalf("got %v (%+v), want ErrAbandoned", r.err, r.msg)
	}
}

func TestReset(t *testing.T) {
	ch, sp := newTestChannel(t, echoHandler)

	if err := ch.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before := ch.Instance()

	if err := ch.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if ch.Instance() == before {
		t.Error("reset should replace the context")
	}
	if sp.terminations() != 1 {
		t.Errorf("terminations = %d, want 1", sp.terminations())
	}

	if _, err := ch.Send(context.Background(), protocol.Run("x", nil, "", false)); err != nil {
		t.Fatalf("run after reset: %v", err)
	}
}

func TestCrashedContextIsRespawned(t *testing.T) {
	handler := func(w *fakeWorker, m *protocol.Message) {
		switch m.Kind {
		case protocol.KindInit:
			w.finish(m.ID, nil, "")
		case protocol.KindRun:
			if m.Code == "crash" {
				w.crash()
				return
			}
			w.finish(m.ID, "ok", "")
		}
	}
	ch, sp := newTestChannel(t, handler)

	_, err := ch.Send(context.Background(), protocol.Run("crash", nil, "", false))
	if !errors.Is(err, ErrAbandoned) {
		t.Fatalf("got %v, want ErrAbandoned", err)
	}

	resp, err := ch.Send(context.Background(), protocol.Run("after", nil, "", false))
	if err != nil {
		t.Fatalf("run after crash: %v", err)
	}
	if resp.Result != "ok" {
		t.Errorf("result = %v", resp.Result)
	}
	if sp.count() != 2 {
		t.Errorf("spawned = %d, want 2", sp.count())
	}
}

func TestSendContextCancel(t *testing.T) {
	handler := func(w *fakeWorker, m *protocol.Message) {
		if m.Kind == protocol.KindInit {
			w.finish(m.ID, nil, "")
		}
	}
	ch, _ := newTestChannel(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := ch.Send(ctx, protocol.Run("never answered", nil, "", false))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestClosedChannel(t *testing.T) {
	ch, _ := newTestChannel(t, echoHandler)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := ch.Send(context.Background(), protocol.Ping()); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close: %v", err)
	}
	if _, err := ch.Stop(context.Background(), time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Stop after close: %v", err)
	}
}

func TestRequestInterruptSetsFlag(t *testing.T) {
	ch, sp := newTestChannel(t, echoHandler)

	if _, err := ch.Send(context.Background(), protocol.Run("first", nil, "", false)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ch.RequestInterrupt()
	ch.RequestInterrupt()
	if !sp.worker(0).interrupted() {
		t.Fatal("flag should read as interrupted")
	}

	if _, err := ch.Send(context.Background(), protocol.Run("x", nil, "", false)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sp.worker(0).interrupted() {
		t.Error("run should clear the interrupt flag")
	}
}
