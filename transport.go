package sftp

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Transport is an established, authenticated connection that can carry an SFTP channel.
type Transport interface {
	// OpenChannel opens a channel running the sftp subsystem.
	OpenChannel(ctx context.Context) (io.Reader, io.WriteCloser, error)

	// Wait blocks until the transport has closed, and returns the cause.
	// A transport closed through Close returns nil.
	Wait() error

	// Close closes the transport, and every channel on it.
	Close() error
}

// Dialer establishes transports from a Config.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Transport, error)
}

// SSHDialer dials an SSH server over TCP with golang.org/x/crypto/ssh.
type SSHDialer struct {
	Log *zap.Logger
}

// Dial connects to cfg.Host, verifies the host key, and authenticates.
// The TCP dial and the SSH handshake are bounded by both ctx, and cfg.ReadyTimeout.
func (d SSHDialer) Dial(ctx context.Context, cfg Config) (Transport, error) {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	hostKeys, err := hostKeyCallback(cfg, log)
	if err != nil {
		return nil, err
	}

	auths, closeAgent, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auths,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.ReadyTimeout,
	}

	if cfg.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ReadyTimeout)
		defer cancel()
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "dial %s", addr), closeAgent())
	}

	// The SSH handshake has no context of its own, so a deadline stands in for it.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)

	if !stop() || err != nil {
		conn.Close()

		if err == nil {
			err = context.Cause(ctx)
		}

		return nil, multierr.Append(errors.Wrapf(err, "ssh handshake with %s", addr), closeAgent())
	}

	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)

	log.Debug("ssh connection established",
		zap.String("addr", addr),
		zap.String("server_version", string(client.ServerVersion())),
	)

	return &sshTransport{
		client:     client,
		closeAgent: closeAgent,
	}, nil
}

// hostKeyCallback verifies host keys against the known hosts file, unless explicitly disabled.
func hostKeyCallback(cfg Config, log *zap.Logger) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		log.Warn("ssh host key verification disabled", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if cfg.KnownHostsFile == "" {
		return nil, errors.New("sftp: no known_hosts file, and host key verification not disabled")
	}

	cb, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, errors.Wrapf(err, "load known_hosts file %s", cfg.KnownHostsFile)
	}

	return cb, nil
}

// authMethods builds the auth methods of cfg, in the order password, private key, agent.
// The returned func closes the agent connection, if one was opened.
func authMethods(cfg Config) ([]ssh.AuthMethod, func() error, error) {
	var auths []ssh.AuthMethod
	closeAgent := func() error { return nil }

	if cfg.Password != "" {
		auths = append(auths, ssh.Password(cfg.Password))
	}

	if cfg.PrivateKey != "" || cfg.PrivateKeyPath != "" {
		signer, err := parseSigner(cfg)
		if err != nil {
			return nil, closeAgent, err
		}

		auths = append(auths, ssh.PublicKeys(signer))
	}

	if cfg.UseAgent {
		sock := cfg.AgentSocket
		if sock == "" {
			sock = os.Getenv("SSH_AUTH_SOCK")
		}

		if sock == "" {
			return nil, closeAgent, errors.New("sftp: agent requested, but no agent socket is set")
		}

		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, closeAgent, errors.Wrapf(err, "open ssh agent socket %q", sock)
		}

		auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		closeAgent = conn.Close
	}

	if len(auths) == 0 {
		return nil, closeAgent, errors.New("sftp: no ssh authentication method configured")
	}

	return auths, closeAgent, nil
}

func parseSigner(cfg Config) (ssh.Signer, error) {
	key := []byte(cfg.PrivateKey)

	if len(key) == 0 {
		var err error

		key, err = os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, errors.Wrap(err, "read ssh private key")
		}
	}

	if cfg.Passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.Passphrase))
		return signer, errors.Wrap(err, "parse ssh private key")
	}

	signer, err := ssh.ParsePrivateKey(key)
	return signer, errors.Wrap(err, "parse ssh private key")
}

type sshTransport struct {
	client     *ssh.Client
	closeAgent func() error
}

func (t *sshTransport) OpenChannel(ctx context.Context) (io.Reader, io.WriteCloser, error) {
	type pipes struct {
		r   io.Reader
		w   io.WriteCloser
		err error
	}

	ch := make(chan pipes, 1)

	go func() {
		r, w, err := openSubsystem(t.client)
		ch <- pipes{r, w, err}
	}()

	select {
	case p := <-ch:
		return p.r, p.w, p.err

	case <-ctx.Done():
		go func() {
			if p := <-ch; p.err == nil {
				p.w.Close()
			}
		}()

		return nil, nil, context.Cause(ctx)
	}
}

func (t *sshTransport) Wait() error {
	err := t.client.Wait()

	var exit *ssh.ExitError
	if err == nil || errors.As(err, &exit) || errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

func (t *sshTransport) Close() error {
	err := t.client.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	return multierr.Append(err, t.closeAgent())
}

// openSubsystem starts the sftp subsystem on a new session of conn.
func openSubsystem(conn *ssh.Client) (io.Reader, io.WriteCloser, error) {
	s, err := conn.NewSession()
	if err != nil {
		return nil, nil, errors.Wrap(err, "open ssh session")
	}

	// The pipes must be set up before the subsystem starts the session.
	w, err := s.StdinPipe()
	if err != nil {
		s.Close()
		return nil, nil, err
	}

	r, err := s.StdoutPipe()
	if err != nil {
		s.Close()
		return nil, nil, err
	}

	if err := s.RequestSubsystem("sftp"); err != nil {
		s.Close()
		return nil, nil, errors.Wrap(err, "request sftp subsystem")
	}

	return r, &sessionWriter{WriteCloser: w, s: s}, nil
}

// sessionWriter closes the whole session along with its stdin.
type sessionWriter struct {
	io.WriteCloser
	s *ssh.Session
}

func (w *sessionWriter) Close() error {
	err := w.WriteCloser.Close()
	if err1 := w.s.Close(); err1 != nil && !errors.Is(err1, io.EOF) {
		err = multierr.Append(err, err1)
	}

	return err
}
