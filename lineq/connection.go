package lineq

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// outboundDepth bounds the per-connection reply queue. A client that stops
// reading loses its connection rather than stalling the dispatcher.
const outboundDepth = 64

// clientConn is one open client session. The reader goroutine frames the
// byte stream into newline-terminated records and feeds decoded requests to
// the dispatcher; the writer goroutine drains outbound replies to the
// socket. The dispatcher owns the connection's lifecycle through its
// registry.
type clientConn struct {
	id        string
	conn      net.Conn
	outbound  chan *Response
	requests  chan<- *Request
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(id string)
	logger    logrus.Entry
}

func newClientConn(id string, conn net.Conn, requests chan<- *Request, onClose func(id string), logger logrus.Entry) *clientConn {
	return &clientConn{
		id:       id,
		conn:     conn,
		outbound: make(chan *Response, outboundDepth),
		requests: requests,
		done:     make(chan struct{}),
		onClose:  onClose,
		logger:   logger,
	}
}

// readLoop frames and decodes request records until the peer disconnects.
// A record that fails to decode earns a per-record error reply; the
// connection stays open.
func (c *clientConn) readLoop() {
	defer c.close()
	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				c.logger.WithField("Topic", DClient).Debugf("%s read error: %v", c.id, err)
			}
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		req, derr := DecodeRequest(line)
		if derr != nil {
			c.send(ErrorResponse("%v", derr))
			continue
		}
		req.ConnID = c.id
		c.requests <- req
	}
}

// writeLoop serializes replies onto the socket in queue order.
func (c *clientConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case resp := <-c.outbound:
			data, err := json.Marshal(resp)
			if err != nil {
				c.logger.WithField("Topic", DClient).Errorf("%s encode error: %v", c.id, err)
				continue
			}
			data = append(data, '\n')
			if _, err := c.conn.Write(data); err != nil {
				c.logger.WithField("Topic", DClient).Debugf("%s write error: %v", c.id, err)
				c.close()
				return
			}
		}
	}
}

// send queues a reply without blocking. A full queue means the client has
// stopped reading; the connection is dropped rather than buffered further.
func (c *clientConn) send(resp *Response) {
	select {
	case c.outbound <- resp:
	default:
		c.logger.WithField("Topic", DClient).Warnf("%s outbound queue full, dropping connection", c.id)
		c.close()
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
}
