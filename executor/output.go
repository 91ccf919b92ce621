package executor

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"sandboxengine/internal"
)

// StreamType tags output events.
type StreamType string

const (
	Stdout StreamType = "stdout"
	Stderr StreamType = "stderr"
	Exit   StreamType = "exit"
	Error  StreamType = "error"
)

const TruncationMarker = "\n[Output truncated: limit exceeded]\n"

// OutputEvent is one accepted chunk of output, in arrival order.
type OutputEvent struct {
	SessionID string
	Type      StreamType
	Data      string
	Timestamp time.Time
}

// OutputState accumulates a session's output. Reads advance offsets instead of
// truncating, so each Delta returns only what arrived since the previous one.
type OutputState struct {
	sessionID string
	limit     int

	mu        sync.Mutex
	stdout    strings.Builder
	stderr    strings.Builder
	readOut   int
	readErr   int
	seen      int
	truncated bool
	err       error

	proc Process
	gen  uint64
	done chan struct{}

	signal chan struct{}
	events chan OutputEvent
	closed chan struct{}
	once   sync.Once
}

// NewOutputState creates the buffers for one session. limit caps the combined
// stdout+stderr bytes accepted per execution; zero disables the cap.
func NewOutputState(sessionID string, limit int) *OutputState {
	done := make(chan struct{})
	close(done)
	return &OutputState{
		sessionID: sessionID,
		limit:     limit,
		done:      done,
		signal:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// EnableEvents turns on event delivery with the given buffer. It must be called
// before the first execution, and the channel must then be drained: sends block
// while it is full, until the state is closed.
func (s *OutputState) EnableEvents(buffer int) <-chan OutputEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = make(chan OutputEvent, buffer)
	}
	return s.events
}

// Events yields accepted output for out-of-band consumers; nil unless enabled.
func (s *OutputState) Events() <-chan OutputEvent { return s.events }

// Closed is closed once the session's output is torn down.
func (s *OutputState) Closed() <-chan struct{} { return s.closed }

// DataSignal fires after new output has been appended.
func (s *OutputState) DataSignal() <-chan struct{} { return s.signal }

// ResetSignal discards a pending data signal.
func (s *OutputState) ResetSignal() {
	select {
	case <-s.signal:
	default:
	}
}

// Done is closed when the current process exits. With no process it is already closed.
func (s *OutputState) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Process returns the live process, if any.
func (s *OutputState) Process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Err returns the failure recorded for the current execution.
func (s *OutputState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Truncated reports whether the current execution hit the output cap.
func (s *OutputState) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}

// Delta returns unread output and marks it read.
func (s *OutputState) Delta() (stdout, stderr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, errs := s.stdout.String(), s.stderr.String()
	stdout, stderr = out[s.readOut:], errs[s.readErr:]
	s.readOut, s.readErr = len(out), len(errs)
	return stdout, stderr
}

// HasUnread reports whether output arrived since the last Delta.
func (s *OutputState) HasUnread() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout.Len() > s.readOut || s.stderr.Len() > s.readErr
}

// Close stops event delivery and closes any live process.
func (s *OutputState) Close() {
	s.once.Do(func() { close(s.closed) })
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		proc.Close()
	}
}

func (s *OutputState) beginExecution() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = 0
	s.truncated = false
	s.err = nil
	if s.readOut == s.stdout.Len() && s.readErr == s.stderr.Len() {
		s.stdout.Reset()
		s.stderr.Reset()
		s.readOut, s.readErr = 0, 0
	}
}

func (s *OutputState) attach(proc Process) (uint64, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.proc = proc
	s.done = make(chan struct{})
	return s.gen, s.done
}

func (s *OutputState) detach(gen uint64, done chan struct{}) {
	s.mu.Lock()
	if s.gen == gen {
		s.proc = nil
	}
	s.mu.Unlock()
	close(done)
}

func (s *OutputState) current(gen uint64) (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc, s.gen == gen && s.proc != nil
}

func (s *OutputState) setErr(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.err = err
	}
}

// append adds program output, enforcing the cap. Output from a superseded
// process is dropped.
func (s *OutputState) append(gen uint64, stream StreamType, data string) {
	if data == "" {
		return
	}
	s.mu.Lock()
	if s.gen != gen || s.truncated || s.err != nil {
		s.mu.Unlock()
		return
	}
	marker := false
	if s.limit > 0 && s.seen+len(data) > s.limit {
		data = cutRunes(data, s.limit-s.seen)
		s.truncated = true
		marker = true
	}
	s.seen += len(data)
	buf := s.buffer(stream)
	buf.WriteString(data)
	if marker {
		buf.WriteString(TruncationMarker)
	}
	s.mu.Unlock()

	s.notify()
	if data != "" {
		s.emit(stream, data)
	}
	if marker {
		s.emit(stream, TruncationMarker)
	}
}

// appendMarker adds service-generated text that is not counted against the cap.
func (s *OutputState) appendMarker(gen uint64, stream StreamType, text string) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.buffer(stream).WriteString(text)
	s.mu.Unlock()
	s.notify()
	s.emit(stream, text)
}

func (s *OutputState) buffer(stream StreamType) *strings.Builder {
	if stream == Stderr {
		return &s.stderr
	}
	return &s.stdout
}

func (s *OutputState) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *OutputState) emit(t StreamType, data string) {
	if s.events == nil {
		return
	}
	ev := OutputEvent{SessionID: s.sessionID, Type: t, Data: data, Timestamp: time.Now()}
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func cutRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// streamWriter adapts one stream of a process to io.Writer for stdcopy.
type streamWriter struct {
	state  *OutputState
	gen    uint64
	stream StreamType
	clean  *internal.StreamCleaner
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.state.append(w.gen, w.stream, w.clean.Clean(string(p)))
	return len(p), nil
}

// flush emits output held back at the end of the last chunk.
func (w *streamWriter) flush() {
	w.state.append(w.gen, w.stream, w.clean.Flush())
}
