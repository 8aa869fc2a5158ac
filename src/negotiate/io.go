package negotiate

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// poll waits for readiness on the given descriptors, retrying on EINTR.
func poll(fds []unix.PollFd) error {
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %v", err)
		}
		return nil
	}
}

// readBlock waits for a message block to arrive on either graph-aware side
// and returns it together with the side it was delivered on. Negotiation
// traffic flows in both directions on a normally one-way pipe, so both
// descriptors are watched at once.
func (s *Session) readBlock() (*MessageBlock, Side, error) {
	for {
		fds := make([]unix.PollFd, 0, 2)
		sides := make([]Side, 0, 2)
		if s.conf.GraphIn && s.conf.InputFD >= 0 {
			fds = append(fds, unix.PollFd{Fd: int32(s.conf.InputFD), Events: unix.POLLIN})
			sides = append(sides, SideInput)
		}
		if s.conf.GraphOut && s.conf.OutputFD >= 0 {
			fds = append(fds, unix.PollFd{Fd: int32(s.conf.OutputFD), Events: unix.POLLIN})
			sides = append(sides, SideOutput)
		}
		if len(fds) == 0 {
			return nil, SideNone, NewProtocolErr(SideMismatch, "no graph-aware side to read from")
		}

		if err := poll(fds); err != nil {
			return nil, SideNone, err
		}

		for i := range fds {
			if fds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
				continue
			}
			mb, err := readBlockFrom(int(fds[i].Fd))
			if err == errAgain {
				continue
			}
			if err != nil {
				return nil, SideNone, err
			}
			s.logger.WithFields(logrus.Fields{
				"side":   sides[i].String(),
				"serial": mb.SerialNo,
				"nodes":  len(mb.Nodes),
				"edges":  len(mb.Edges),
			}).Debug("Read message block")
			return mb, sides[i], nil
		}
	}
}

// errAgain signals a read that would block despite the readiness report.
var errAgain = fmt.Errorf("would block")

// readBlockFrom reads exactly one message block from fd. The embedded
// total_size field is authoritative: reading continues until that many bytes
// have arrived.
func readBlockFrom(fd int) (*MessageBlock, error) {
	buf := make([]byte, maxWireSize)

	// The first read is speculative: a readiness report may be spurious,
	// in which case the caller goes back to watching both sides.
	have, err := unix.Read(fd, buf[:headerWireSize])
	if err == unix.EAGAIN {
		return nil, errAgain
	}
	if err != nil {
		return nil, fmt.Errorf("read message block: %v", err)
	}
	if have == 0 {
		return nil, NewProtocolErr(PeerClosed, "EOF while reading message block")
	}

	for have < headerWireSize {
		n, err := readSome(fd, buf[have:headerWireSize])
		if err != nil {
			return nil, err
		}
		have += n
	}

	total := int(binary.LittleEndian.Uint32(buf[32:]))
	if total < headerWireSize || total > maxWireSize {
		return nil, NewProtocolErr(SizeMismatch,
			fmt.Sprintf("declared block size %d", total))
	}

	for have < total {
		n, err := readSome(fd, buf[have:total])
		if err != nil {
			return nil, err
		}
		have += n
	}

	return Unmarshal(buf[:total])
}

// readSome reads at least one byte into p, waiting for readiness as needed.
func readSome(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EAGAIN {
			if perr := poll([]unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}); perr != nil {
				return 0, perr
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read message block: %v", err)
		}
		if n == 0 {
			return 0, NewProtocolErr(PeerClosed, "EOF while reading message block")
		}
		return n, nil
	}
}

// writeBlockTo writes the whole wire form to fd, waiting for readiness on
// short or blocked writes.
func writeBlockTo(fd int, data []byte) error {
	written := 0
	for written < len(data) {
		n, err := unix.Write(fd, data[written:])
		if err == unix.EAGAIN {
			if perr := poll([]unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}); perr != nil {
				return perr
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("write message block: %v", err)
		}
		written += n
	}
	return nil
}
