package sftp

import (
	"context"
	"fmt"
	"io"
	"io/fs"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sftpkit/sftp/internal/sync"
)

// State is the lifecycle state of a Session.
type State int

// Session states.
// A session moves Disconnected → Connecting → Ready → Closing → Closed,
// and a failed connect returns it to Disconnected.
const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultDirMode is the permissions Session.Mkdir creates directories with.
const DefaultDirMode fs.FileMode = 0o755

// SessionOption specifies an option that can be set on a Session.
type SessionOption func(*Session)

// WithDialer sets the dialer used to establish the transport.
// The default is an SSHDialer.
func WithDialer(d Dialer) SessionOption {
	return func(s *Session) {
		s.dialer = d
	}
}

// WithSessionLogger sets the logger of the session, and of the clients it creates.
func WithSessionLogger(log *zap.Logger) SessionOption {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClientOptions adds options to every client the session creates.
// They are applied after the options derived from the Config.
func WithClientOptions(opts ...ClientOption) SessionOption {
	return func(s *Session) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

// Session owns one transport, and one SFTP client on it.
//
// All methods are safe for concurrent use.
// Any number of sessions may exist at once, they share no state.
type Session struct {
	id         string
	cfg        Config
	dialer     Dialer
	log        *zap.Logger
	clientOpts []ClientOption

	events broker

	mu        sync.Mutex
	state     State
	transport Transport
	client    *Client
	done      chan struct{} // closed once the transport of the current connection has gone away
}

// NewSession returns a disconnected session for cfg.
func NewSession(cfg Config, opts ...SessionOption) *Session {
	s := &Session{
		id:  uuid.NewString(),
		cfg: cfg,
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With(zap.String("session", s.id))
	s.events.log = s.log

	if s.dialer == nil {
		s.dialer = SSHDialer{Log: s.log}
	}

	return s
}

// ID returns the unique id of the session.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Subscribe returns a channel of the events of the session.
// The channel is closed once ctx is done.
// A subscriber that falls behind loses events, rather than holding up the session.
func (s *Session) Subscribe(ctx context.Context) <-chan Event {
	return s.events.subscribe(ctx)
}

func (s *Session) emit(typ EventType, state State, err error) {
	s.events.publish(Event{
		Type:      typ,
		State:     state,
		SessionID: s.id,
		Err:       err,
	})
}

// setState must be called with s.mu held.
func (s *Session) setState(state State) {
	s.log.Info("sftp session state", zap.Stringer("from", s.state), zap.Stringer("to", state))
	s.state = state
}

// Connect establishes the transport, opens the sftp channel, and performs the protocol handshake.
//
// Any failure closes whatever was opened, leaves the session disconnected,
// and returns an error wrapping ErrConnect.
// A session that has been ended may be connected again.
func (s *Session) Connect(ctx context.Context) error {
	cfg := s.cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		s.emit(EventError, s.State(), err)
		return err
	}

	s.mu.Lock()
	if s.state != StateDisconnected && s.state != StateClosed {
		state := s.state
		s.mu.Unlock()

		return fmt.Errorf("%w: connect: session is %s", fs.ErrInvalid, state)
	}
	s.setState(StateConnecting)
	s.mu.Unlock()

	transport, client, err := s.establish(ctx, cfg)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConnect, err)

		s.mu.Lock()
		s.setState(StateDisconnected)
		s.mu.Unlock()

		s.log.Debug("sftp connect failed", zap.Error(err))
		s.emit(EventError, StateDisconnected, err)

		return err
	}

	done := make(chan struct{})

	s.mu.Lock()
	s.transport, s.client, s.done = transport, client, done
	s.setState(StateReady)
	s.mu.Unlock()

	go s.watch(transport, client, done)

	s.emit(EventReady, StateReady, nil)

	return nil
}

func (s *Session) establish(ctx context.Context, cfg Config) (Transport, *Client, error) {
	transport, err := s.dialer.Dial(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	r, w, err := transport.OpenChannel(ctx)
	if err != nil {
		return nil, nil, multierr.Append(err, transport.Close())
	}

	opts := append(cfg.ClientOptions(), WithLogger(s.log))
	opts = append(opts, s.clientOpts...)

	client, err := NewClientPipe(ctx, r, w, opts...)
	if err != nil {
		return nil, nil, multierr.Append(err, transport.Close())
	}

	return transport, client, nil
}

// watch turns a loss of the transport, or of the sftp channel, into the end of the session.
func (s *Session) watch(transport Transport, client *Client, done chan struct{}) {
	defer close(done)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- transport.Wait()
	}()

	var cause error
	transportGone := false

	select {
	case cause = <-waitErr:
		transportGone = true
	case <-client.Done():
		cause = client.Wait()
	}

	s.mu.Lock()
	dropped := s.client == client && s.state == StateReady
	if dropped {
		s.setState(StateClosing)
	}
	s.mu.Unlock()

	if !dropped {
		// End is closing this connection, and waits on done.
		if !transportGone {
			<-waitErr
		}
		return
	}

	cause = closedError(cause)
	s.log.Debug("sftp connection lost", zap.Error(cause))

	client.conn.disconnect(cause)
	client.conn.wr.Close()
	closeErr := transport.Close()

	if !transportGone {
		<-waitErr
	}

	s.mu.Lock()
	if s.client == client {
		s.client, s.transport = nil, nil
		s.setState(StateClosed)
	}
	s.mu.Unlock()

	s.emit(EventError, StateClosed, multierr.Append(cause, closeErr))
	s.emit(EventClose, StateClosed, nil)
}

// End closes the session.
// Every request still pending fails with ErrConnectionClosed.
// End waits until the transport confirms it has closed, or ctx is done.
//
// End on a session that is not ready does nothing, and returns nil.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return nil
	}

	s.setState(StateClosing)
	client, transport, done := s.client, s.transport, s.done
	s.mu.Unlock()

	err := multierr.Append(client.Close(), transport.Close())

	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, context.Cause(ctx))
	}

	s.mu.Lock()
	if s.client == client {
		s.client, s.transport = nil, nil
		s.setState(StateClosed)
	}
	s.mu.Unlock()

	s.emit(EventClose, StateClosed, nil)

	return err
}

// Client returns the protocol client of a ready session.
func (s *Session) Client() (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return nil, ErrConnectionClosed
	}

	return s.client, nil
}

// List returns the entries of the remote directory, without "." and "..".
func (s *Session) List(ctx context.Context, path string) ([]DirectoryEntry, error) {
	cl, err := s.Client()
	if err != nil {
		return nil, err
	}

	return cl.List(ctx, path)
}

// Get opens a download stream of the remote file.
// The stream must be closed.
func (s *Session) Get(ctx context.Context, path string) (*DownloadStream, error) {
	cl, err := s.Client()
	if err != nil {
		return nil, err
	}

	return cl.Download(ctx, path)
}

// Put uploads src to the remote path.
// The source is a local file path (string), the whole contents ([]byte), or a stream (io.Reader).
// Any other source is an invalid argument.
func (s *Session) Put(ctx context.Context, src any, remotePath string) error {
	switch src := src.(type) {
	case string:
		return s.PutFile(ctx, src, remotePath)
	case []byte:
		return s.PutBytes(ctx, src, remotePath)
	case io.Reader:
		return s.PutStream(ctx, src, remotePath)
	default:
		return invalidArgument("upload", remotePath, fmt.Sprintf("unsupported source type %T", src))
	}
}

// PutFile uploads the local file to the remote path.
func (s *Session) PutFile(ctx context.Context, localPath, remotePath string) error {
	cl, err := s.Client()
	if err != nil {
		return err
	}

	return cl.UploadFile(ctx, localPath, remotePath)
}

// PutBytes writes b as the contents of the remote path.
func (s *Session) PutBytes(ctx context.Context, b []byte, remotePath string) error {
	cl, err := s.Client()
	if err != nil {
		return err
	}

	return cl.UploadBytes(ctx, b, remotePath)
}

// PutStream writes everything read from r to the remote path.
func (s *Session) PutStream(ctx context.Context, r io.Reader, remotePath string) error {
	cl, err := s.Client()
	if err != nil {
		return err
	}

	return cl.UploadStream(ctx, r, remotePath)
}

// Mkdir creates the remote directory.
// If recursive, every missing parent is created too, and an existing directory is not an error.
func (s *Session) Mkdir(ctx context.Context, path string, recursive bool) error {
	cl, err := s.Client()
	if err != nil {
		return err
	}

	if recursive {
		return cl.MkdirAllContext(ctx, path, DefaultDirMode)
	}

	return cl.MkdirContext(ctx, path, DefaultDirMode)
}

// Rmdir removes the remote directory.
// If recursive, everything in it is removed first.
func (s *Session) Rmdir(ctx context.Context, path string, recursive bool) error {
	cl, err := s.Client()
	if err != nil {
		return err
	}

	if recursive {
		return cl.RemoveAll(ctx, path)
	}

	return cl.RmdirContext(ctx, path)
}

// Delete removes the remote file.
func (s *Session) Delete(ctx context.Context, path string) error {
	cl, err := s.Client()
	if err != nil {
		return err
	}

	return cl.Delete(ctx, path)
}

// Rename renames the remote file or directory.
func (s *Session) Rename(ctx context.Context, from, to string) error {
	cl, err := s.Client()
	if err != nil {
		return err
	}

	return cl.RenameContext(ctx, from, to)
}

// Chmod changes the permissions of the remote path.
func (s *Session) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	cl, err := s.Client()
	if err != nil {
		return err
	}

	return cl.ChmodContext(ctx, path, mode)
}

// Stat returns the attributes of the remote path, following symbolic links.
func (s *Session) Stat(ctx context.Context, path string) (fs.FileInfo, error) {
	cl, err := s.Client()
	if err != nil {
		return nil, err
	}

	return cl.StatContext(ctx, path)
}
