package store

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultBufferSize is the capacity of each queue buffer. It approximates the
// pipe buffer size; tests lower it to force records straddling buffers.
const DefaultBufferSize = 4096

// contentLengthDigits is the width of the decimal content-length header that
// precedes every response.
const contentLengthDigits = 10

// Config holds the store parameters.
type Config struct {
	// SocketPath is the local stream socket the store serves on. It is
	// unlinked and recreated on startup.
	SocketPath string `mapstructure:"socket"`

	// RecordLength selects fixed-length record framing when positive.
	// When 0, records are delimited by Separator.
	RecordLength int `mapstructure:"length"`

	// Separator is the record separator byte; only meaningful when
	// RecordLength is 0. NUL is a valid separator.
	Separator byte

	// RBegin, REnd select the response window as a right-inclusive,
	// left-exclusive reverse range of records counted from the newest:
	// (0, 1) is the latest record, (10, 15) the five records ending ten
	// records back.
	RBegin int `mapstructure:"rbegin"`
	REnd   int `mapstructure:"rend"`

	// TimeWindow selects a time-based window. Declared for compatibility
	// with the record locator counters; not implemented.
	TimeWindow bool `mapstructure:"time-window"`

	// BufferSize overrides DefaultBufferSize when positive.
	BufferSize int `mapstructure:"buffer-size"`

	// InputFD is the descriptor records are read from; 0 is standard input.
	InputFD int

	Logger *logrus.Entry
}

// Server holds the store's event loop state: the buffer queue, the current
// response record, and the client table. It is single-threaded; every field
// is owned by Run.
type Server struct {
	conf Config

	sock int

	head *buffer
	tail *buffer

	nextSeq uint64

	// reachedEOF is sticky: once standard input is drained it is never
	// read again
	reachedEOF bool

	// haveRecord is set once curBegin and curEnd delimit a response
	haveRecord bool

	curBegin dpointer
	curEnd   dpointer

	// oldestWriting is the earliest buffer still referenced by a client in
	// stateSendingResponse; reclamation stops there
	oldestWriting *buffer

	clients [maxClients]client
}

// NewServer validates the configuration and returns a Server ready to Run.
func NewServer(conf Config) (*Server, error) {
	if conf.SocketPath == "" {
		return nil, NewExitError(CodeUsage, "missing socket path", nil)
	}
	if conf.RecordLength < 0 {
		return nil, NewExitError(CodeUsage, "record length must be positive", nil)
	}
	if conf.TimeWindow {
		return nil, NewExitError(CodeUsage, "time-window mode is not implemented", nil)
	}
	if conf.RBegin == 0 && conf.REnd == 0 {
		// Serve the latest record by default
		conf.REnd = 1
	}
	if conf.RBegin < 0 || conf.REnd <= conf.RBegin {
		return nil, NewExitError(CodeUsage,
			fmt.Sprintf("invalid record window (%d, %d)", conf.RBegin, conf.REnd), nil)
	}
	if conf.BufferSize <= 0 {
		conf.BufferSize = DefaultBufferSize
	}
	if conf.Logger == nil {
		logger := logrus.New()
		logger.Level = logrus.InfoLevel
		conf.Logger = logger.WithField("prefix", "writeval")
	}

	s := &Server{
		conf: conf,
	}
	for i := range s.clients {
		s.clients[i].fd = -1
	}
	return s, nil
}

// Run sets up the listening socket and enters the event loop. It returns nil
// after a Q command (the socket path is already unlinked), or an ExitError
// describing the failure.
func (s *Server) Run() error {
	unix.Unlink(s.conf.SocketPath)

	sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return NewExitError(CodeSocketSetup, "creating socket", err)
	}
	s.sock = sock
	defer s.closeAll()

	addr := &unix.SockaddrUnix{Name: s.conf.SocketPath}
	if err := unix.Bind(sock, addr); err != nil {
		return NewExitError(CodeSocketIO,
			fmt.Sprintf("binding socket to %s", s.conf.SocketPath), err)
	}
	if err := unix.Listen(sock, 5); err != nil {
		return NewExitError(CodeListen, "listen", err)
	}
	if err := unix.SetNonblock(sock, true); err != nil {
		return NewExitError(CodeSocketSetup, "setting socket non-blocking", err)
	}
	if err := unix.SetNonblock(s.conf.InputFD, true); err != nil {
		return NewExitError(CodeSocketSetup, "setting input non-blocking", err)
	}

	s.conf.Logger.WithFields(logrus.Fields{
		"socket": s.conf.SocketPath,
		"length": s.conf.RecordLength,
		"rbegin": s.conf.RBegin,
		"rend":   s.conf.REnd,
	}).Debug("Serving store")

	for {
		quit, err := s.iterate()
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

// iterate performs one readiness wait and dispatches every ready descriptor.
// The returned bool reports that a Q command was processed.
func (s *Server) iterate() (bool, error) {
	fds := make([]unix.PollFd, 0, maxClients+2)

	stdinIdx := -1
	if !s.reachedEOF {
		stdinIdx = len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(s.conf.InputFD), Events: unix.POLLIN})
	}

	sockIdx := len(fds)
	fds = append(fds, unix.PollFd{Fd: int32(s.sock), Events: unix.POLLIN})

	var clientIdx [maxClients]int
	for i := range s.clients {
		clientIdx[i] = -1
		switch s.clients[i].state {
		case stateInactive:
		case stateReadCommand, stateWaitClose:
			clientIdx[i] = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(s.clients[i].fd), Events: unix.POLLIN})
		case stateSendLast:
			if s.reachedEOF {
				clientIdx[i] = len(fds)
				fds = append(fds, unix.PollFd{Fd: int32(s.clients[i].fd), Events: unix.POLLOUT})
			}
		case stateSendCurrent:
			if s.haveRecord {
				clientIdx[i] = len(fds)
				fds = append(fds, unix.PollFd{Fd: int32(s.clients[i].fd), Events: unix.POLLOUT})
			}
		case stateSendingResponse:
			clientIdx[i] = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(s.clients[i].fd), Events: unix.POLLOUT})
		}
	}

	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, NewExitError(CodeSocketIO, "poll", err)
		}
		break
	}

	if stdinIdx >= 0 && ready(fds[stdinIdx]) {
		if err := s.bufferRead(); err != nil {
			return false, err
		}
	}

	for i := range s.clients {
		c := &s.clients[i]
		if clientIdx[i] < 0 || !ready(fds[clientIdx[i]]) {
			continue
		}
		switch c.state {
		case stateReadCommand, stateWaitClose:
			quit, err := s.readCommand(c)
			if err != nil || quit {
				return quit, err
			}
		case stateSendCurrent, stateSendLast:
			// Start writing the most fresh record
			c.writeBegin = s.curBegin
			c.writeEnd = s.curEnd
			c.state = stateSendingResponse
			s.oldestWriting = oldestBuffer(s.oldestWriting, c.writeBegin.b)
			if err := s.writeRecord(c, true); err != nil {
				return false, err
			}
		case stateSendingResponse:
			if err := s.writeRecord(c, false); err != nil {
				return false, err
			}
		}
	}

	if ready(fds[sockIdx]) {
		if err := s.accept(); err != nil {
			return false, err
		}
	}

	return false, nil
}

// ready reports that a polled descriptor can be serviced. Hangups and errors
// count as ready so the state machine observes them through read and write.
func ready(fd unix.PollFd) bool {
	return fd.Revents&(fd.Events|unix.POLLHUP|unix.POLLERR) != 0
}

// bufferRead reads input data into a new buffer appended to the queue.
func (s *Server) bufferRead() error {
	b := &buffer{data: make([]byte, s.conf.BufferSize)}

	n, err := unix.Read(s.conf.InputFD, b.data)
	if err == unix.EAGAIN {
		return nil
	}
	if err != nil {
		return NewExitError(CodeSocketIO, "read from standard input", err)
	}

	if n == 0 {
		s.reachedEOF = true
		s.conf.Logger.Debug("Reached EOF on input")
		if s.haveRecord {
			return nil
		}
		if s.head == nil {
			// Set up an empty record
			b.size = 0
			s.head, s.tail = b, b
			s.curBegin = dpointer{b: b, pos: 0}
			s.curEnd = dpointer{b: b, pos: 0}
		} else {
			// Set up all input as a record
			s.curBegin = dpointer{b: s.head, pos: 0}
			s.curEnd = dpointer{b: s.tail, pos: s.tail.size}
		}
		s.haveRecord = true
		return nil
	}

	b.size = n
	s.appendBuffer(b)
	s.updateCurrentRecord()
	return nil
}

// updateCurrentRecord repositions the current-record pointers after new data
// arrived. The mode-specific routines set haveRecord once the window is
// satisfied.
func (s *Server) updateCurrentRecord() {
	if s.tail.recordCount < int64(s.conf.REnd) {
		// Not enough records
		return
	}

	if s.conf.RecordLength == 0 {
		s.updateCurrentRecordBySeparator()
	} else {
		s.updateCurrentRecordByLength()
	}
}

// updateCurrentRecordBySeparator locates the response window in separator
// mode. The window's final separator is excluded from the response.
func (s *Server) updateCurrentRecordBySeparator() {
	rs := s.conf.Separator

	// Point to the end of read data
	end := dpointer{b: s.tail, pos: s.tail.size}

	// Remove data that forms an incomplete record
	end.moveBackRecords(rs, 0)

	// Go back to the end of the specified record
	end.moveBackRecords(rs, s.conf.RBegin)

	// Go further back to the begin of the specified record
	begin := end
	begin.moveBackRecords(rs, s.conf.REnd-s.conf.RBegin)

	// end sits just past the separator that terminates the newest
	// requested record; the separator itself is not part of the response
	end.decrement()

	s.curBegin = begin
	s.curEnd = end
	s.haveRecord = true
	s.freeUnusedBuffers()
}

// updateCurrentRecordByLength locates the response window in fixed-length
// mode.
func (s *Server) updateCurrentRecordByLength() {
	rl := s.conf.RecordLength

	// Point to the end of read data
	end := dpointer{b: s.tail, pos: s.tail.size}

	// Remove data that forms an incomplete record
	end.subtract(int(s.tail.byteCount % int64(rl)))

	// Go back to the end of the specified record
	end.subtract(s.conf.RBegin * rl)

	// Go further back to the begin of the specified record
	begin := end
	begin.subtract((s.conf.REnd - s.conf.RBegin) * rl)

	s.curBegin = begin
	s.curEnd = end
	s.haveRecord = true
	s.freeUnusedBuffers()
}

// readCommand reads the one-byte client command and transitions the client.
// The returned bool reports a Q command.
func (s *Server) readCommand(c *client) (bool, error) {
	var cmd [1]byte

	n, err := unix.Read(c.fd, cmd[:])
	if err == unix.EAGAIN {
		return false, nil
	}
	if err != nil {
		return false, NewExitError(CodeSocketIO, "read from socket", err)
	}

	if n == 0 {
		// EOF: the client is gone
		unix.Close(c.fd)
		c.fd = -1
		c.state = stateInactive
		s.updateOldestBuffer()
		return false, nil
	}

	switch cmd[0] {
	case 'L':
		c.state = stateSendLast
	case 'C':
		c.state = stateSendCurrent
	case 'Q':
		unix.Unlink(s.conf.SocketPath)
		s.conf.Logger.Debug("Quit command received")
		return true, nil
	default:
		return false, NewExitError(CodeUsage,
			fmt.Sprintf("unknown command [%c]", cmd[0]), nil)
	}
	return false, nil
}

// writeRecord writes response bytes from the client's current buffer and
// advances its write pointers. The first write carries the content-length
// header and the initial payload chunk in a single scattered write; a short
// write of the header is fatal.
func (s *Server) writeRecord(c *client, withLength bool) error {
	var towrite int
	if c.writeBegin.b == c.writeEnd.b {
		towrite = c.writeEnd.pos - c.writeBegin.pos
	} else {
		towrite = c.writeBegin.b.size - c.writeBegin.pos
	}

	chunk := c.writeBegin.b.data[c.writeBegin.pos : c.writeBegin.pos+towrite]

	var iov [][]byte
	if withLength {
		header := []byte(fmt.Sprintf("%010d", c.contentLength()))
		iov = [][]byte{header, chunk}
	} else {
		iov = [][]byte{chunk}
	}

	n, err := unix.Writev(c.fd, iov)
	if err == unix.EAGAIN {
		return nil
	}
	if err != nil {
		return NewExitError(CodeSocketIO, "write to socket", err)
	}

	if withLength {
		if n < contentLengthDigits {
			return NewExitError(CodeUsage,
				fmt.Sprintf("short content length write: %d", n), nil)
		}
		n -= contentLengthDigits
	}

	c.writeBegin.pos += n

	// More data to write from this buffer? Yes, if there is still data in
	// the buffer and either the end is in another buffer, or we haven't
	// reached it.
	if c.writeBegin.pos < c.writeBegin.b.size &&
		(c.writeBegin.b != c.writeEnd.b || c.writeBegin.pos < c.writeEnd.pos) {
		return nil
	}

	// More buffers to write from?
	if c.writeBegin.b != c.writeEnd.b {
		c.writeBegin.b = c.writeBegin.b.next
		c.writeBegin.pos = 0
		return nil
	}

	// Done with this client
	c.state = stateWaitClose
	s.updateOldestBuffer()
	return nil
}

// updateOldestBuffer recomputes oldestWriting from the clients still sending
// a response.
func (s *Server) updateOldestBuffer() {
	s.oldestWriting = nil
	for i := range s.clients {
		if s.clients[i].state == stateSendingResponse {
			s.oldestWriting = oldestBuffer(s.oldestWriting, s.clients[i].writeBegin.b)
		}
	}
}

// accept takes a pending connection and installs it in a free client slot.
func (s *Server) accept() error {
	nfd, _, err := unix.Accept(s.sock)
	if err == unix.EAGAIN {
		return nil
	}
	if err != nil {
		return NewExitError(CodeAccept, "accept", err)
	}

	c := s.freeClient()
	if c == nil {
		unix.Close(nfd)
		return NewExitError(CodeUsage,
			fmt.Sprintf("maximum number of clients exceeded for socket %s", s.conf.SocketPath), nil)
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		return NewExitError(CodeSocketSetup, "setting client non-blocking", err)
	}
	c.fd = nfd
	c.state = stateReadCommand
	return nil
}

// freeClient returns an inactive client entry, or nil when the table is full.
func (s *Server) freeClient() *client {
	for i := range s.clients {
		if s.clients[i].state == stateInactive {
			return &s.clients[i]
		}
	}
	return nil
}

// closeAll releases the listening socket and any connected clients.
func (s *Server) closeAll() {
	for i := range s.clients {
		if s.clients[i].state != stateInactive && s.clients[i].fd >= 0 {
			unix.Close(s.clients[i].fd)
			s.clients[i].fd = -1
			s.clients[i].state = stateInactive
		}
	}
	unix.Close(s.sock)
}
