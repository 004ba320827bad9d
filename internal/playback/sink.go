package playback

import (
	"log/slog"
	"sync"
	"time"
)

// Sink plays PCM audio as it is appended. The controller calls Append,
// Finish and Reset from a single goroutine; Clock methods may be called
// concurrently with them.
type Sink interface {
	Append(pcm []byte) error
	// Finish marks the end of the current stream. The returned channel is
	// closed once all appended audio has been played. The next Append
	// starts a new stream.
	Finish() (<-chan struct{}, error)
	// Reset stops playback, discards unplayed audio and rewinds to zero.
	Reset() error
}

// Pauser is implemented by sinks that can hold playback in place.
type Pauser interface {
	Pause() error
	Resume() error
}

// Clock is implemented by sinks that can report playback progress of the
// current stream.
type Clock interface {
	Position() time.Duration
	Duration() time.Duration
}

type sinkOpKind int

const (
	opAppend sinkOpKind = iota
	opFinish
	opReset
	opPause
	opResume
)

type sinkOp struct {
	kind sinkOpKind
	id   SessionID
	pcm  []byte
}

// sinkWorker runs sink calls off the controller loop, in enqueue order.
type sinkWorker struct {
	sink   Sink
	report func(message)
	log    *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []sinkOp
	abort  chan struct{}
	closed bool

	wg sync.WaitGroup
}

func newSinkWorker(sink Sink, report func(message), log *slog.Logger) *sinkWorker {
	w := &sinkWorker{
		sink:   sink,
		report: report,
		log:    log,
		abort:  make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *sinkWorker) enqueue(op sinkOp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if op.kind == opReset {
		// Queued operations never reached the sink; the sink's Reset
		// discards what it already buffered.
		w.queue = w.queue[:0]
		close(w.abort)
		w.abort = make(chan struct{})
	}
	w.queue = append(w.queue, op)
	w.cond.Signal()
}

func (w *sinkWorker) append(id SessionID, pcm []byte) {
	w.enqueue(sinkOp{kind: opAppend, id: id, pcm: pcm})
}
func (w *sinkWorker) finish(id SessionID) { w.enqueue(sinkOp{kind: opFinish, id: id}) }
func (w *sinkWorker) reset(id SessionID)  { w.enqueue(sinkOp{kind: opReset, id: id}) }
func (w *sinkWorker) pause(id SessionID)  { w.enqueue(sinkOp{kind: opPause, id: id}) }
func (w *sinkWorker) resume(id SessionID) { w.enqueue(sinkOp{kind: opResume, id: id}) }

func (w *sinkWorker) clock() (Clock, bool) {
	c, ok := w.sink.(Clock)
	return c, ok
}

func (w *sinkWorker) pauser() (Pauser, bool) {
	p, ok := w.sink.(Pauser)
	return p, ok
}

// close runs the operations already queued, then stops the worker and
// abandons pending ended waits.
func (w *sinkWorker) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.cond.Signal()
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *sinkWorker) run() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.closed {
			close(w.abort)
			w.mu.Unlock()
			return
		}
		op := w.queue[0]
		w.queue = w.queue[1:]
		abort := w.abort
		w.mu.Unlock()

		w.exec(op, abort)
	}
}

func (w *sinkWorker) exec(op sinkOp, abort <-chan struct{}) {
	switch op.kind {
	case opAppend:
		if err := w.sink.Append(op.pcm); err != nil {
			w.report(sinkFailedMsg{id: op.id, err: err})
		}
	case opFinish:
		ended, err := w.sink.Finish()
		if err != nil {
			w.report(sinkFailedMsg{id: op.id, err: err})
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			select {
			case <-ended:
				w.report(sinkEndedMsg{id: op.id})
			case <-abort:
			}
		}()
	case opReset:
		if err := w.sink.Reset(); err != nil {
			w.log.Warn("sink reset failed", slog.String("session", op.id.String()), slogError(err))
		}
	case opPause, opResume:
		p, ok := w.pauser()
		if !ok {
			return
		}
		var err error
		if op.kind == opPause {
			err = p.Pause()
		} else {
			err = p.Resume()
		}
		if err != nil {
			w.report(sinkFailedMsg{id: op.id, err: err})
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
