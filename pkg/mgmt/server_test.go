package mgmt

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestRequestEncodeDecodeRoundTrip(t *testing.T) {
	req := Request{
		Opcode: OpSnapshot,
		Snapshot: SnapshotRequest{
			Label:       "checkpoint-1",
			Description: "before the risky part",
			Path:        "/tmp/snap.kmsnap",
			Live:        true,
		},
	}
	decoded, err := decodeRequest(encodeRequest(req))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Opcode != req.Opcode || decoded.Snapshot != req.Snapshot {
		t.Errorf("got %+v, want %+v", decoded, req)
	}
}

func TestDecodeRequestTooShort(t *testing.T) {
	if _, err := decodeRequest([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for a request shorter than opcode+length")
	}
}

type fakeSnapshotter struct {
	paused      bool
	resumed     bool
	exitGroup   bool
	createErr   error
	createdPath string
}

func (f *fakeSnapshotter) RequestPause()  { f.paused = true }
func (f *fakeSnapshotter) WaitAllPaused() {}
func (f *fakeSnapshotter) Resume()        { f.resumed = true }
func (f *fakeSnapshotter) SetExitGroup()  { f.exitGroup = true }
func (f *fakeSnapshotter) CreateSnapshot(path, label, description string) error {
	f.createdPath = path
	return f.createErr
}

func newTestServer(guest Snapshotter) *Server {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Server{log: log, guest: guest}
}

func TestDispatchNonLiveSnapshotTerminates(t *testing.T) {
	fake := &fakeSnapshotter{}
	s := newTestServer(fake)
	reply, stop := s.dispatch(Request{Opcode: OpSnapshot, Snapshot: SnapshotRequest{Path: "/tmp/x", Live: false}})
	if reply.RequestStatus != 0 {
		t.Fatalf("expected status 0, got %d", reply.RequestStatus)
	}
	if !stop {
		t.Fatal("expected non-live snapshot to request termination")
	}
	if !fake.exitGroup {
		t.Fatal("expected SetExitGroup to be called on non-live success")
	}
	if !fake.paused || !fake.resumed {
		t.Fatal("expected the guest to be paused and resumed around the snapshot")
	}
}

func TestDispatchLiveSnapshotContinues(t *testing.T) {
	fake := &fakeSnapshotter{}
	s := newTestServer(fake)
	_, stop := s.dispatch(Request{Opcode: OpSnapshot, Snapshot: SnapshotRequest{Path: "/tmp/x", Live: true}})
	if stop {
		t.Fatal("expected a live snapshot to keep the server running")
	}
	if fake.exitGroup {
		t.Fatal("live snapshot must not set exit_group")
	}
}

func TestDispatchUnknownOpcode(t *testing.T) {
	s := newTestServer(&fakeSnapshotter{})
	reply, stop := s.dispatch(Request{Opcode: 999})
	if reply.RequestStatus == 0 {
		t.Fatal("expected a nonzero status for an unknown opcode")
	}
	if stop {
		t.Fatal("an unknown opcode must not terminate the server")
	}
}
