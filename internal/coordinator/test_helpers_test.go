package coordinator

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AltairaLabs/renderfarm/internal/protocol"
	"github.com/AltairaLabs/renderfarm/internal/types"
)

const testTimeout = 5 * time.Second

var testScene = []byte("BLENDER-v300 scene bytes")

func newTestCoordinator(t *testing.T, mutate func(*Config)) (*Coordinator, string) {
	t.Helper()
	cfg := Config{
		ID:               "coord-test",
		Name:             "coord",
		TempDir:          t.TempDir(),
		OutputDir:        t.TempDir(),
		OutputPerJob:     true,
		MaxFrameFailures: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(c, ln.Addr().String())
	served := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, ln)
		close(served)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
	})
	return c, ln.Addr().String()
}

func testSpec(start, end int) types.JobSpec {
	return types.JobSpec{FrameStart: start, FrameEnd: end, FrameStep: 1, ResX: 64, ResY: 64, Format: "PNG", SceneName: "shot.blend"}
}

// scriptedWorker drives the worker side of the protocol by hand
type scriptedWorker struct {
	t    *testing.T
	conn *protocol.Conn
}

func dialWorker(t *testing.T, addr string) *scriptedWorker {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, testTimeout)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	w := &scriptedWorker{t: t, conn: protocol.NewConn(nc, protocol.Limits{}, 0)}
	t.Cleanup(func() { w.conn.Close() })
	return w
}

func connectWorker(t *testing.T, addr, id string) *scriptedWorker {
	t.Helper()
	w := dialWorker(t, addr)
	w.send(protocol.TypeHello, protocol.Hello{ID: id, Name: id}, nil)
	var ack protocol.HelloAck
	w.decode(w.expect(protocol.TypeHelloAck), &ack)
	if ack.ID != "coord-test" {
		t.Errorf("Expected coordinator id coord-test, got %s", ack.ID)
	}
	return w
}

func (w *scriptedWorker) send(msgType protocol.MessageType, body any, payload []byte) {
	w.t.Helper()
	if err := w.conn.Send(msgType, body, payload); err != nil {
		w.t.Fatalf("Send %s failed: %v", msgType, err)
	}
}

func (w *scriptedWorker) receive(timeout time.Duration) (*protocol.Message, error) {
	if err := w.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	return w.conn.Receive()
}

func (w *scriptedWorker) expect(want protocol.MessageType) *protocol.Message {
	w.t.Helper()
	msg, err := w.receive(testTimeout)
	if err != nil {
		w.t.Fatalf("Expected %s, got error %v", want, err)
	}
	if msg.Type != want {
		w.t.Fatalf("Expected %s, got %s", want, msg.Type)
	}
	return msg
}

func (w *scriptedWorker) expectNothing(d time.Duration) {
	w.t.Helper()
	msg, err := w.receive(d)
	if err == nil {
		w.t.Fatalf("Expected no message, got %s", msg.Type)
	}
	if !protocol.IsTimeout(err) {
		w.t.Fatalf("Expected read timeout, got %v", err)
	}
}

func (w *scriptedWorker) decode(msg *protocol.Message, v any) {
	w.t.Helper()
	if err := msg.Decode(v); err != nil {
		w.t.Fatalf("Decode %s failed: %v", msg.Type, err)
	}
}

// expectJob reads job_init and returns it
func (w *scriptedWorker) expectJob() protocol.JobInit {
	w.t.Helper()
	var init protocol.JobInit
	msg := w.expect(protocol.TypeJobInit)
	w.decode(msg, &init)
	if string(msg.Payload) != string(testScene) {
		w.t.Errorf("Expected scene payload, got %q", msg.Payload)
	}
	return init
}

func (w *scriptedWorker) expectAssign() protocol.Assign {
	w.t.Helper()
	var a protocol.Assign
	w.decode(w.expect(protocol.TypeAssign), &a)
	return a
}

func (w *scriptedWorker) result(jobID string, frame int) {
	w.t.Helper()
	w.send(protocol.TypeFrameResult, protocol.FrameResult{JobID: jobID, Frame: frame, Ext: "png"}, frameImage(frame))
}

func frameImage(frame int) []byte {
	return []byte{'I', 'M', 'G', byte(frame)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitForLastJob(t *testing.T, c *Coordinator) types.Progress {
	t.Helper()
	var last types.Progress
	waitFor(t, "job to finish", func() bool {
		p, ok := c.LastJob()
		last = p
		return ok
	})
	return last
}

func assertFrames(t *testing.T, dir string, frames ...int) {
	t.Helper()
	for _, f := range frames {
		path := filepath.Join(dir, frameName(f))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected output %s: %v", path, err)
		}
	}
}

func frameName(frame int) string {
	return filepath.Base(NewOutputStore("", false).Path("", frame, "png"))
}
