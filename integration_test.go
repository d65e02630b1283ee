//go:build integration

package sftp

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"io/fs"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
)

// openSSHContainer starts an OpenSSH server that accepts the returned config.
func openSSHContainer(t *testing.T) Config {
	t.Helper()

	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "linuxserver/openssh-server:latest",
			ExposedPorts: []string{"2222/tcp"},
			Env: map[string]string{
				"PUID":            "1000",
				"PGID":            "1000",
				"TZ":              "UTC",
				"USER_NAME":       "sftpkit",
				"PUBLIC_KEY":      string(ssh.MarshalAuthorizedKey(sshPub)),
				"PASSWORD_ACCESS": "false",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("2222/tcp"),
				wait.ForLog("sshd is listening on port").WithStartupTimeout(60*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, container.Terminate(context.Background()))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "2222/tcp")
	require.NoError(t, err)

	return Config{
		Host:                  host,
		Port:                  port.Int(),
		Username:              "sftpkit",
		PrivateKey:            string(pem.EncodeToMemory(block)),
		InsecureIgnoreHostKey: true,
		ReadyTimeout:          30 * time.Second,
	}
}

// connectWithRetry connects s, allowing for sshd still coming up after it logged that it listens.
func connectWithRetry(t *testing.T, s *Session) {
	t.Helper()

	ctx := context.Background()

	var err error
	for range 10 {
		if err = s.Connect(ctx); err == nil {
			return
		}
		time.Sleep(time.Second)
	}

	require.NoError(t, err)
}

func TestIntegrationOpenSSH(t *testing.T) {
	cfg := openSSHContainer(t)
	cfg.Transfer.ReadAhead = 4

	s := NewSession(cfg, WithSessionLogger(zaptest.NewLogger(t)))
	events := s.Subscribe(t.Context())

	connectWithRetry(t, s)
	assert.Equal(t, EventReady, nextEvent(t, events).Type)

	ctx := context.Background()

	cl, err := s.Client()
	require.NoError(t, err)

	home, err := cl.RealPath(".")
	require.NoError(t, err)

	root := path.Join(home, "sftpkit-it")
	abc := path.Join(root, "a", "b", "c")

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, s.Mkdir(ctx, root, true))

		for name, data := range map[string][]byte{
			"hello": []byte("hello"),
			"49000": patterned(49000),
		} {
			remote := path.Join(root, name)
			require.NoError(t, s.Put(ctx, data, remote))

			stream, err := s.Get(ctx, remote)
			require.NoError(t, err)

			got, err := io.ReadAll(stream)
			require.NoError(t, err)
			require.NoError(t, stream.Close())

			assert.True(t, bytes.Equal(data, got), name)
		}
	})

	t.Run("directories", func(t *testing.T) {
		require.NoError(t, s.Mkdir(ctx, abc, true))
		require.NoError(t, s.Mkdir(ctx, abc, true))
		assert.ErrorIs(t, s.Mkdir(ctx, abc, false), fs.ErrExist)

		file := path.Join(abc, "file.md")
		require.NoError(t, s.Put(ctx, []byte("# notes"), file))

		require.NoError(t, s.Chmod(ctx, file, 0o777))

		ents, err := s.List(ctx, abc)
		require.NoError(t, err)
		require.Len(t, ents, 1)
		assert.Equal(t, "file.md", ents[0].Name)
		assert.Equal(t, EntryFile, ents[0].Type)
		assert.Equal(t, "rwx/rwx/rwx", ents[0].Rights.String())

		require.NoError(t, s.Rename(ctx, file, path.Join(abc, "file2.md")))
		require.NoError(t, s.Delete(ctx, path.Join(abc, "file2.md")))

		ents, err = s.List(ctx, abc)
		require.NoError(t, err)
		assert.Empty(t, ents)

		require.NoError(t, s.Rmdir(ctx, root, true))

		_, err = s.Stat(ctx, root)
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})

	require.NoError(t, s.End(ctx))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, EventClose, nextEvent(t, events).Type)

	assert.Zero(t, cl.OpenHandles())
}

func TestIntegrationAuthFailure(t *testing.T) {
	cfg := openSSHContainer(t)

	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(other, "")
	require.NoError(t, err)
	cfg.PrivateKey = string(pem.EncodeToMemory(block))

	s := NewSession(cfg, WithSessionLogger(zaptest.NewLogger(t)))

	err = s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, StateDisconnected, s.State())
}
