package mgmt

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Snapshotter is implemented by the monitor component that can pause
// the guest, write a snapshot file, and resume it. pkg/snapshot.Create
// combined with machine.Machine's pause/resume pair satisfies this.
type Snapshotter interface {
	RequestPause()
	WaitAllPaused()
	Resume()
	SetExitGroup()
	CreateSnapshot(path, label, description string) error
}

// Server is the management-plane accept loop: a UNIX domain socket
// that serves one fixed-size request per connection.
type Server struct {
	log      *logrus.Logger
	guest    Snapshotter
	listener net.Listener
	sockPath string

	killed int32
	wg     sync.WaitGroup
}

// SocketPath returns the path the management socket should bind to.
// If mgtdir is non-empty it wins over path, matching KM_MGTDIR's
// precedence over an explicit path or KM_MGTPIPE in the original: the
// socket is named `<mgtdir>/kmpipe.<progbase>.<pid>`.
func SocketPath(mgtdir, path, progname string) (string, error) {
	if mgtdir != "" {
		if fi, err := os.Stat(mgtdir); err != nil || !fi.IsDir() {
			return "", fmt.Errorf("mgmt: KM_MGTDIR %q is not accessible", mgtdir)
		}
		name := fmt.Sprintf("kmpipe.%s.%d", filepath.Base(progname), os.Getpid())
		return filepath.Join(mgtdir, name), nil
	}
	return path, nil
}

// New binds the management socket and returns a Server ready to Serve.
// An empty sockPath disables the management plane entirely (the
// original's km_mgt_init silently no-ops when no path is configured).
func New(log *logrus.Logger, guest Snapshotter, sockPath string) (*Server, error) {
	if sockPath == "" {
		return nil, nil
	}
	if len(sockPath) >= 108 {
		return nil, fmt.Errorf("mgmt: socket path %q too long for sun_path", sockPath)
	}
	_ = os.Remove(sockPath) // stale socket from a prior run

	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("mgmt: listen %s: %w", sockPath, err)
	}
	return &Server{log: log, guest: guest, listener: l, sockPath: sockPath}, nil
}

// Serve runs the accept loop until Close is called. It is meant to be
// run on its own goroutine.
func (s *Server) Serve() {
	s.wg.Add(1)
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.killed) != 0 {
				return
			}
			s.log.WithError(err).Warn("mgmt: accept failed, continuing")
			continue
		}
		if s.handleConn(conn) {
			return
		}
	}
}

// handleConn services a single request/reply exchange and reports
// whether the server should stop accepting further connections
// (a successful non-live snapshot terminates the payload, so there is
// no point continuing to listen).
func (s *Server) handleConn(conn net.Conn) (stop bool) {
	defer conn.Close()

	buf := make([]byte, requestSize)
	n, err := readAtMost(conn, buf)
	if err != nil {
		s.log.WithError(err).Warn("mgmt: recv request failed")
		return false
	}
	if n < 2*4 {
		s.log.Warnf("mgmt: request too short, %d bytes", n)
		return false
	}
	req, err := decodeRequest(buf[:n])
	if err != nil {
		s.log.WithError(err).Warn("mgmt: malformed request")
		return false
	}

	reply, terminate := s.dispatch(req)

	if _, err := conn.Write(encodeReply(reply)); err != nil {
		s.log.WithError(err).Warn("mgmt: send reply failed")
	}
	return terminate
}

func (s *Server) dispatch(req Request) (Reply, bool) {
	switch req.Opcode {
	case OpSnapshot:
		s.guest.RequestPause()
		s.guest.WaitAllPaused()
		err := s.guest.CreateSnapshot(req.Snapshot.Path, req.Snapshot.Label, req.Snapshot.Description)
		s.guest.Resume()
		if err != nil {
			s.log.WithError(err).Warn("mgmt: snapshot failed")
			// The original propagates km_snapshot_create's errno; this
			// port's snapshot errors aren't errno-shaped, so any failure
			// reports a generic nonzero status and the detail goes to
			// the log above.
			return Reply{RequestStatus: 1}, false
		}
		if !req.Snapshot.Live {
			s.guest.SetExitGroup()
			return Reply{RequestStatus: 0}, true
		}
		return Reply{RequestStatus: 0}, false
	default:
		s.log.Warnf("mgmt: unknown request opcode %d", req.Opcode)
		return Reply{RequestStatus: uint32(unix.EINVAL)}, false
	}
}

// Close stops the accept loop and removes the socket file.
func (s *Server) Close() error {
	atomic.StoreInt32(&s.killed, 1)
	err := s.listener.Close()
	s.wg.Wait()
	_ = os.Remove(s.sockPath)
	return err
}

func readAtMost(conn net.Conn, buf []byte) (int, error) {
	n, err := conn.Read(buf)
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return n, err
	}
	return n, nil
}
