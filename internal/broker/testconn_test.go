package broker

import (
	"bytes"
	"net"
	"time"
)

// fakeConn is a minimal net.Conn that buffers writes in memory so
// handler tests can inspect exactly what was sent to a client without
// a real socket or the blocking semantics of net.Pipe.
type fakeConn struct {
	out bytes.Buffer
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (c *fakeConn) Read(b []byte) (int, error)         { return 0, nil }
func (c *fakeConn) Write(b []byte) (int, error)        { return c.out.Write(b) }
func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

// newTestBroker returns a Broker with no store/metrics/verifier wiring,
// matching the zero-dependency construction every handler test needs.
func newTestBroker() *Broker {
	return New(Config{AllowAnonymous: true, ClientIDPrefix: "test"}, nil, nil, nil, BrokerMetrics{})
}

func newTestClient() *Client {
	return NewClient(newFakeConn())
}
