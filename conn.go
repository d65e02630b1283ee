package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	sshfx "github.com/sftpkit/sftp/encoding/ssh/filexfer"
	"github.com/sftpkit/sftp/internal/sync"
)

var errServerClosed = errors.New("sftp: server closed the channel")

type result struct {
	pkt *sshfx.RawPacket
	err error
}

type pending struct {
	ch    chan<- result
	typ   sshfx.PacketType
	start time.Time
}

// clientConn is the request multiplexer.
// Every request holds one result channel from resPool from dispatch until its response is received,
// which bounds the number of requests in flight.
type clientConn struct {
	rd        io.Reader
	maxPacket uint32
	timeout   time.Duration

	log     *zap.Logger
	metrics *Metrics

	resPool *sync.WorkPool[result]
	bufPool *sync.SlicePool[[]byte, byte]
	pktPool *sync.Pool[sshfx.RawPacket]

	wmu sync.Mutex // serializes frames onto wr
	wr  io.WriteCloser

	mu       sync.Mutex
	reqid    uint32
	inflight map[uint32]pending
	closed   chan struct{}
	err      error
}

func (c *clientConn) handshake(ctx context.Context) (map[string]string, error) {
	initPkt := &sshfx.InitPacket{
		Version: sftpProtocolVersion,
	}

	data, err := initPkt.MarshalBinary()
	if err != nil {
		return nil, err
	}

	if _, err := c.wr.Write(data); err != nil {
		return nil, pkgerrors.Wrap(err, "sftp: write init packet")
	}

	var verPkt sshfx.VersionPacket
	errch := make(chan error, 1)

	go func() {
		defer close(errch)

		if err := verPkt.ReadFrom(c.rd, make([]byte, c.maxPacket), c.maxPacket); err != nil {
			errch <- pkgerrors.Wrap(err, "sftp: read version packet")
			return
		}

		if verPkt.Version != sftpProtocolVersion {
			errch <- fmt.Errorf("sftp: unexpected server version: got %v, want %v", verPkt.Version, sftpProtocolVersion)
			return
		}
	}()

	select {
	case err := <-errch:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}

	exts := make(map[string]string)
	for _, ext := range verPkt.Extensions {
		exts[ext.Name] = ext.Data
	}

	return exts, nil
}

// nextID returns the next request id, wrapping at 2^32, and skipping any id that is still pending.
// The caller must hold c.mu.
func (c *clientConn) nextID() uint32 {
	for {
		c.reqid++

		if _, busy := c.inflight[c.reqid]; !busy {
			return c.reqid
		}
	}
}

func (c *clientConn) getPending(reqid uint32) (pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, loaded := c.inflight[reqid]
	delete(c.inflight, reqid)

	return p, loaded
}

// Wait blocks until the connection has been closed, and returns the cause.
func (c *clientConn) Wait() error {
	<-c.closed

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Done returns a channel that is closed when the connection is closed.
func (c *clientConn) Done() <-chan struct{} {
	return c.closed
}

// disconnect closes the connection exactly once.
// Every pending request receives an ErrConnectionClosed result, and no further requests will be dispatched.
func (c *clientConn) disconnect(cause error) {
	c.mu.Lock()

	select {
	case <-c.closed:
		c.mu.Unlock()
		return
	default:
	}

	c.err = cause
	close(c.closed)

	// Hijack every pending entry, so that recvLoop cannot also deliver to them.
	hijacked := c.inflight
	c.inflight = make(map[uint32]pending)

	c.mu.Unlock()

	c.log.Debug("sftp connection closed", zap.Error(cause), zap.Int("pending", len(hijacked)))

	bcast := result{
		err: closedError(cause),
	}

	for _, p := range hijacked {
		p.ch <- bcast
		c.metrics.requestDone(p.typ, p.start, true)
	}

	c.resPool.Close()
}

func (c *clientConn) recvLoop() error {
	defer c.wr.Close()

	frames := sshfx.NewFrameReader(c.rd, c.maxPacket)

	for {
		raw := c.pktPool.Get()

		if err := frames.ReadPacket(raw, c.bufPool.Get()); err != nil {
			c.pktPool.Put(raw)

			if errors.Is(err, io.EOF) {
				// A bare io.EOF would read as end-of-file to callers.
				return errServerClosed
			}

			return err
		}

		p, loaded := c.getPending(raw.RequestID)
		if !loaded {
			reqid := raw.RequestID
			c.returnRaw(raw)

			select {
			case <-c.closed:
				// Responses to requests failed by disconnect may still be arriving.
				return nil
			default:
			}

			c.log.Debug("sftp response for unknown request id", zap.Uint32("reqid", reqid))
			return pkgerrors.Wrapf(sshfx.ErrMalformedFrame, "response for unknown request id %d", reqid)
		}

		res := result{
			pkt: raw,
		}

		if !raw.PacketType.IsResponse() {
			c.returnRaw(raw)
			res = result{
				err: fmt.Errorf("%w: unexpected response packet type: %s", errors.ErrUnsupported, raw.PacketType),
			}
		}

		c.metrics.requestDone(p.typ, p.start, res.err != nil || isErrorStatus(raw))

		p.ch <- res
	}
}

// isErrorStatus peeks at the status code of a status packet, without consuming raw.Data.
func isErrorStatus(raw *sshfx.RawPacket) bool {
	if raw.PacketType != sshfx.PacketTypeStatus {
		return false
	}

	buf := raw.Data
	code := sshfx.Status(buf.ConsumeUint32())

	return code != sshfx.StatusOK && code != sshfx.StatusEOF
}

func (c *clientConn) write(header, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.wr.Write(header); err != nil {
		return fmt.Errorf("sftp: write packet header: %w", err)
	}

	if len(payload) != 0 {
		if _, err := c.wr.Write(payload); err != nil {
			return fmt.Errorf("sftp: write packet payload: %w", err)
		}
	}

	return nil
}

// dispatch will marshal, then dispatch the given request packet.
// Packets are written atomically to the connection.
// It returns the allocated request id, and either a channel upon which the result will be returned, or an error.
//
// dispatch blocks while the in-flight ceiling is reached, until a slot frees up or ctx is done.
// If the cancel channel has been closed before the request is dispatched,
// then dispatch will return an [fs.ErrClosed] error.
func (c *clientConn) dispatch(ctx context.Context, cancel <-chan struct{}, req sshfx.PacketMarshaller) (uint32, chan result, error) {
	ch, err := c.resPool.Get(ctx)
	if err != nil {
		if errors.Is(err, sync.ErrPoolClosed) {
			return 0, nil, c.closedErr()
		}
		return 0, nil, err
	}

	return c.dispatchOn(ch, cancel, req)
}

// tryDispatch is dispatch without waiting at the in-flight ceiling.
// If no slot is free, it reports false, and nothing is sent.
//
// A caller that already holds outstanding requests must use tryDispatch for further ones,
// as blocking would wait on slots that only its own receiving can free.
func (c *clientConn) tryDispatch(cancel <-chan struct{}, req sshfx.PacketMarshaller) (uint32, chan result, bool, error) {
	ch, ok := c.resPool.TryGet()
	if !ok {
		return 0, nil, false, nil
	}

	reqid, res, err := c.dispatchOn(ch, cancel, req)
	return reqid, res, true, err
}

// dispatchOn registers and writes req, with ch as its result channel taken from resPool.
func (c *clientConn) dispatchOn(ch chan result, cancel <-chan struct{}, req sshfx.PacketMarshaller) (uint32, chan result, error) {
	c.mu.Lock()

	select {
	case <-cancel:
		c.mu.Unlock()
		c.resPool.Put(ch)
		return 0, nil, fs.ErrClosed

	case <-c.closed:
		err := closedError(c.err)
		c.mu.Unlock()
		c.resPool.Put(ch)
		return 0, nil, err

	default:
	}

	reqid := c.nextID()

	if c.inflight == nil {
		c.inflight = make(map[uint32]pending)
	}

	c.inflight[reqid] = pending{
		ch:    ch,
		typ:   req.Type(),
		start: time.Now(),
	}

	c.mu.Unlock()

	c.metrics.requestStarted(req.Type())

	header, payload, err := req.MarshalPacket(reqid, c.bufPool.Get())
	if err == nil {
		err = c.write(header, payload)
		c.bufPool.Put(header)
	}

	// payload all but always aliases a caller-held byte slice, so it never goes into the bufPool.

	if err != nil {
		if _, loaded := c.getPending(reqid); loaded {
			c.metrics.requestDone(req.Type(), time.Now(), true)
			c.resPool.Put(ch)
		} else {
			// disconnect or recvLoop already delivered a result.
			c.discardBlocking(ch)
		}

		return 0, nil, err
	}

	return reqid, ch, nil
}

func (c *clientConn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return closedError(c.err)
}

func (c *clientConn) returnRaw(raw *sshfx.RawPacket) {
	if raw == nil {
		return
	}

	c.bufPool.Put(raw.Data.HintReturn())
	c.pktPool.Put(raw)
}

func (c *clientConn) discardBlocking(ch chan result) {
	res := <-ch

	c.returnRaw(res.pkt)
	c.resPool.Put(ch)
}

func (c *clientConn) discard(ch chan result) {
	select {
	case res := <-ch:
		c.returnRaw(res.pkt)
		c.resPool.Put(ch)

	default:
		// The response may still arrive on this channel,
		// so it must never be handed to another request.
		c.resPool.Put(make(chan result, 1))
	}
}

func (c *clientConn) recv(ctx context.Context, reqid uint32, ch chan result) (*sshfx.RawPacket, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.timeout, ErrRequestTimeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		c.discard(ch)
		return nil, context.Cause(ctx)

	case res := <-ch:
		c.resPool.Put(ch)

		if res.err != nil {
			return nil, res.err
		}

		if res.pkt.RequestID != reqid {
			c.returnRaw(res.pkt)
			return nil, fmt.Errorf("sftp: unexpected request id: %d != %d", res.pkt.RequestID, reqid)
		}

		return res.pkt, nil
	}
}

func (c *clientConn) send(ctx context.Context, cancel <-chan struct{}, req sshfx.PacketMarshaller) (*sshfx.RawPacket, error) {
	reqid, ch, err := c.dispatch(ctx, cancel, req)
	if err != nil {
		return nil, err
	}

	return c.recv(ctx, reqid, ch)
}
