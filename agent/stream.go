package agent

import (
	"errors"
	"net/http"
	"sync"
	"time"
)

var errStreamFinished = errors.New("HTTP stream already finished")

// httpStream adapts a request body and its response writer into the inbound and outbound streams of a bridge.
//
// Every write is flushed, so the client sees process output as soon as it is produced and a slow client
// blocks the bridge instead of filling a buffer. Close interrupts pending reads and writes by moving the
// connection deadlines into the past, since neither Request.Body.Close nor the ResponseWriter can do that
// while another goroutine is blocked in them.
type httpStream struct {
	w  http.ResponseWriter
	r  *http.Request
	rc *http.ResponseController

	readMut   sync.Mutex
	writeMut  sync.Mutex
	committed bool
	// finished is set once the handler is about to return, after which w and r must not be touched
	finished bool
}

func newHTTPStream(w http.ResponseWriter, r *http.Request) *httpStream {
	rc := http.NewResponseController(w)
	// HTTP/1 servers otherwise stop reading the body once the response has started.
	// HTTP/2 is always full duplex and returns an error here, which is fine.
	_ = rc.EnableFullDuplex()
	return &httpStream{w: w, r: r, rc: rc}
}

func (s *httpStream) Read(p []byte) (int, error) {
	s.readMut.Lock()
	defer s.readMut.Unlock()
	if s.finished {
		return 0, errStreamFinished
	}
	return s.r.Body.Read(p)
}

func (s *httpStream) Write(p []byte) (int, error) {
	s.writeMut.Lock()
	defer s.writeMut.Unlock()
	if s.finished {
		return 0, errStreamFinished
	}
	s.committed = true
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.rc.Flush()
}

// commit sends the response headers, unless the first write already did.
func (s *httpStream) commit(status int) error {
	s.writeMut.Lock()
	defer s.writeMut.Unlock()
	if s.committed || s.finished {
		return nil
	}
	s.committed = true
	s.w.WriteHeader(status)
	return s.rc.Flush()
}

func (s *httpStream) Close() error {
	now := time.Now()
	_ = s.rc.SetReadDeadline(now)
	_ = s.rc.SetWriteDeadline(now)
	return nil
}

// finish waits for in-flight reads and writes, rejects any later ones, and lifts the write deadline so that
// the server can complete the response after the handler returns.
func (s *httpStream) finish() {
	s.readMut.Lock()
	s.writeMut.Lock()
	defer s.readMut.Unlock()
	defer s.writeMut.Unlock()
	s.finished = true
	_ = s.rc.SetWriteDeadline(time.Time{})
}
