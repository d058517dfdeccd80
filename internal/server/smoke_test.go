package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-canalyst-server/internal/can"
	"github.com/kstaniek/go-canalyst-server/internal/cnl"
	"github.com/kstaniek/go-canalyst-server/internal/hub"
	"github.com/kstaniek/go-canalyst-server/internal/metrics"
	"github.com/kstaniek/go-canalyst-server/internal/transport"
)

// capture backend sends for verification
var (
	captured   []can.Frame
	capturedMu sync.Mutex
)

func dummySend(fr can.Frame) error {
	capturedMu.Lock()
	captured = append(captured, fr)
	capturedMu.Unlock()
	return nil
}

func resetCaptured() {
	capturedMu.Lock()
	captured = nil
	capturedMu.Unlock()
}

// TestSmokeServer starts the TCP server on an ephemeral port, performs the
// handshake and exercises both directions of the bridge.
func TestSmokeServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resetCaptured()

	h := hub.New()
	srv := NewServer(
		WithHub(h),
		WithCodec(&cnl.Codec{}),
		WithSend(dummySend),
		WithHandshakeTimeout(2*time.Second),
	)
	srv.SetListenAddr(":0")
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(1 * time.Second):
		t.Fatalf("server did not signal readiness")
	}

	conn := dialAndHandshake(t, ctx, srv.Addr())
	defer conn.Close()

	// Client -> backend: one frame, id 0x123, payload {1,2,3}.
	var frameBuf bytes.Buffer
	var idb [4]byte
	binary.BigEndian.PutUint32(idb[:], 0x123)
	frameBuf.Write(idb[:])
	frameBuf.WriteByte(3)
	frameBuf.Write([]byte{1, 2, 3})
	if _, err := conn.Write(frameBuf.Bytes()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		capturedMu.Lock()
		got := len(captured)
		capturedMu.Unlock()
		if got >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	capturedMu.Lock()
	ok := len(captured) == 1 && captured[0].CANID == 0x123 && captured[0].Len == 3
	capturedMu.Unlock()
	if !ok {
		t.Fatalf("expected captured frame, got %#v", captured)
	}

	// Backend -> client: broadcast via hub and read it back.
	srv.Hub.Broadcast(can.Frame{CANID: 0x456, Len: 2, Data: [8]byte{9, 8}})
	rb := make([]byte, 64)
	n := 0
	readDeadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(readDeadline) && n < 5 {
		_ = conn.SetReadDeadline(time.Now().Add(40 * time.Millisecond))
		m, err := conn.Read(rb[n:])
		if err != nil {
			if isTimeout(err) {
				continue
			}
			t.Fatalf("read broadcast: %v", err)
		}
		n += m
	}
	if n < 5 {
		t.Fatalf("expected >=5 bytes, got %d", n)
	}
	if gotID := binary.BigEndian.Uint32(rb[:4]); gotID != 0x456 {
		t.Fatalf("broadcast frame id mismatch got 0x%X", gotID)
	}
}

// TestSmokeBackpressureDrop verifies a slow client stays connected under
// the drop policy.
func TestSmokeBackpressureDrop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	h.OutBufSize = 1
	h.Policy = hub.PolicyDrop
	srv := NewServer(WithHub(h), WithCodec(&cnl.Codec{}), WithSend(dummySend))
	go srv.Serve(ctx)
	<-srv.Ready()
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()

	for i := 0; i < 5; i++ {
		srv.Hub.Broadcast(can.Frame{CANID: 0x900, Len: 0})
	}
	_ = c1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	one := make([]byte, 32)
	_, _ = c1.Read(one)
	_ = c1.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	tmp := make([]byte, 8)
	if _, err := c1.Read(tmp); err != nil && !isTimeout(err) && err == io.EOF {
		t.Fatalf("connection closed unexpectedly under drop policy: %v", err)
	}
}

// TestSmokeBackpressureKick ensures a slow client is disconnected when
// policy=kick and its buffer overflows.
func TestSmokeBackpressureKick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	h.OutBufSize = 1
	h.Policy = hub.PolicyKick
	srv := NewServer(WithHub(h), WithCodec(&cnl.Codec{}), WithSend(dummySend))
	go srv.Serve(ctx)
	<-srv.Ready()
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	for i := 0; i < 10; i++ {
		srv.Hub.Broadcast(can.Frame{CANID: 0xA00, Len: 0})
		time.Sleep(2 * time.Millisecond)
	}
	_ = c1.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 16)
	_, err := c1.Read(buf)
	switch {
	case err == nil:
		t.Logf("kick policy: client not yet closed (data received)")
	case err == io.EOF:
		// expected closure path
	case isTimeout(err):
		t.Logf("kick policy: timeout waiting for closure (may be timing-sensitive)")
	}
}

// TestSmokeMetrics ensures TCP RX/TX counters reflect bridge activity.
func TestSmokeMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resetCaptured()
	h := hub.New()
	h.OutBufSize = 1
	h.Policy = hub.PolicyDrop
	srv := NewServer(WithHub(h), WithCodec(&cnl.Codec{}), WithSend(dummySend))
	go srv.Serve(ctx)
	<-srv.Ready()

	pre := metrics.Snap()
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()

	for i := 0; i < 3; i++ {
		var buf bytes.Buffer
		var idb [4]byte
		binary.BigEndian.PutUint32(idb[:], 0x100+uint32(i))
		buf.Write(idb[:])
		buf.WriteByte(1)
		buf.Write([]byte{byte(i)})
		if _, err := c.Write(buf.Bytes()); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		srv.Hub.Broadcast(can.Frame{CANID: 0x800 + uint32(i), Len: 0})
	}
	readDeadline := time.Now().Add(200 * time.Millisecond)
	buf := make([]byte, 32)
	for time.Now().Before(readDeadline) {
		_ = c.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		if n, err := c.Read(buf); n > 0 && (err == nil || isTimeout(err)) {
			break
		} else if err != nil && !isTimeout(err) {
			break
		}
	}
	postWait := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(postWait) {
		if d := metrics.Snap(); d.TCPTx > pre.TCPTx && d.TCPRx-pre.TCPRx >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	post := metrics.Snap()
	if d := post.TCPRx - pre.TCPRx; d < 3 {
		t.Fatalf("expected >=3 TCPRx delta, got %d", d)
	}
	if post.TCPTx == pre.TCPTx {
		t.Fatalf("expected TCPTx >0 delta (pre=%d post=%d)", pre.TCPTx, post.TCPTx)
	}
}

// TestSmokeBackendOverflow ensures a backend overflow drop is absorbed
// (connection stays up, frame silently lost).
func TestSmokeBackendOverflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := NewServer(WithHub(h), WithCodec(&cnl.Codec{}),
		WithSend(func(can.Frame) error { return transport.ErrTxOverflow }))
	go srv.Serve(ctx)
	<-srv.Ready()
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()

	var idb [4]byte
	binary.BigEndian.PutUint32(idb[:], 0x321)
	if _, err := c.Write(append(idb[:], 0)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Connection must survive the overflow.
	time.Sleep(30 * time.Millisecond)
	binary.BigEndian.PutUint32(idb[:], 0x322)
	if _, err := c.Write(append(idb[:], 0)); err != nil {
		t.Fatalf("write after overflow: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := c.Read(make([]byte, 8)); err == io.EOF {
		t.Fatalf("connection closed after backend overflow")
	}
}

// TestSmokeMalformedFrames sends an invalid length (>8) to trigger a
// decode error and connection teardown.
func TestSmokeMalformedFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := NewServer(WithHub(h), WithCodec(&cnl.Codec{}), WithSend(dummySend))
	go srv.Serve(ctx)
	<-srv.Ready()
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	pre := metrics.Snap()
	var idb [4]byte
	binary.BigEndian.PutUint32(idb[:], 0x111)
	bad := append(idb[:], byte(9))
	if _, err := c.Write(bad); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	malDeadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(malDeadline) {
		if post := metrics.Snap(); post.Errors > pre.Errors {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	post := metrics.Snap()
	if post.Errors <= pre.Errors {
		t.Fatalf("expected error counter increment (pre=%d post=%d)", pre.Errors, post.Errors)
	}
	_ = c.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := c.Read(make([]byte, 8)); err == nil {
		t.Fatalf("expected connection closed after malformed frame")
	}
}

// TestFrameFilter ensures frames failing the predicate never reach the backend.
func TestFrameFilter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	var backend []can.Frame
	var backendMu sync.Mutex
	srv := NewServer(
		WithHub(h),
		WithCodec(&cnl.Codec{}),
		WithSend(func(fr can.Frame) error {
			backendMu.Lock()
			backend = append(backend, fr)
			backendMu.Unlock()
			return nil
		}),
		WithFrameFilter(func(fr *can.Frame) bool { return fr.CANID%2 == 0 }),
	)
	go srv.Serve(ctx)
	<-srv.Ready()
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	for i := 0; i < 4; i++ {
		var buf bytes.Buffer
		var idb [4]byte
		binary.BigEndian.PutUint32(idb[:], 0x100+uint32(i))
		buf.Write(idb[:])
		buf.WriteByte(0)
		if _, err := c.Write(buf.Bytes()); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		backendMu.Lock()
		l := len(backend)
		backendMu.Unlock()
		if l >= 2 {
			break
		}
		time.Sleep(3 * time.Millisecond)
	}
	backendMu.Lock()
	defer backendMu.Unlock()
	if len(backend) != 2 {
		t.Fatalf("expected 2 backend frames (even ids), got %d", len(backend))
	}
	for _, fr := range backend {
		if fr.CANID%2 != 0 {
			t.Fatalf("backend received odd id 0x%X", fr.CANID)
		}
	}
}

// TestSmokeConcurrentClients ensures broadcasts reach every client.
func TestSmokeConcurrentClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := NewServer(WithHub(h), WithCodec(&cnl.Codec{}), WithSend(dummySend))
	go srv.Serve(ctx)
	<-srv.Ready()
	const nClients = 5
	conns := make([]net.Conn, 0, nClients)
	for i := 0; i < nClients; i++ {
		conns = append(conns, dialAndHandshake(t, ctx, srv.Addr()))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	regDeadline := time.Now().Add(120 * time.Millisecond)
	for time.Now().Before(regDeadline) {
		if h.Count() == nClients {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		srv.Hub.Broadcast(can.Frame{CANID: 0x500 + uint32(i), Len: 0})
	}
	for idx, c := range conns {
		_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		collected := bytes.Buffer{}
		tmp := make([]byte, 128)
		for collected.Len() < 5 {
			n, err := c.Read(tmp)
			if err != nil {
				if isTimeout(err) {
					break
				}
				t.Fatalf("client %d read err: %v", idx, err)
			}
			collected.Write(tmp[:n])
		}
		if collected.Len() < 5 {
			t.Fatalf("client %d received insufficient data (%d bytes)", idx, collected.Len())
		}
		r := bytes.NewReader(collected.Bytes())
		fr, err := (&cnl.Codec{}).Decode(r)
		if err != nil {
			t.Fatalf("client %d decode err: %v", idx, err)
		}
		if fr.CANID < 0x500 || fr.CANID >= 0x510 {
			t.Fatalf("client %d unexpected CANID 0x%X", idx, fr.CANID)
		}
	}
}

// TestGracefulShutdown ensures Shutdown closes listener and active clients.
func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := hub.New()
	srv := NewServer(WithHub(h), WithCodec(&cnl.Codec{}), WithSend(dummySend))
	go srv.Serve(ctx)
	<-srv.Ready()
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	c2 := dialAndHandshake(t, ctx, srv.Addr())
	wait := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(wait) {
		if h.Count() >= 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	sdCtx, sdCancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		t.Fatalf("shutdown err: %v", err)
	}
	buf := make([]byte, 8)
	_ = c1.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := c1.Read(buf); err == nil {
		t.Fatalf("expected c1 read to fail after shutdown")
	}
	_ = c2.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := c2.Read(buf); err == nil {
		t.Fatalf("expected c2 read to fail after shutdown")
	}
}

// --- Helpers ---

func dialAndHandshake(t *testing.T, ctx context.Context, addr string) net.Conn {
	t.Helper()
	d := net.Dialer{Timeout: 1 * time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := c.Write([]byte("CANNELLONIv1")); err != nil {
		t.Fatalf("write magic: %v", err)
	}
	buf := make([]byte, 12)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read magic: %v", err)
	}
	if string(buf) != "CANNELLONIv1" {
		t.Fatalf("unexpected handshake magic %q", string(buf))
	}
	return c
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
