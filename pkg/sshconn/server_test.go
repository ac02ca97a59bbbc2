package sshconn

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "linen"
	testPassword = "s3cret"
)

type execResult struct {
	stdout, stderr string
	status         uint32
}

type testServer struct {
	addr     string
	hostKey  ssh.PublicKey
	accepted atomic.Int32
	listener net.Listener
}

// startTestServer runs an in-process ssh server accepting testUser with
// testPassword or any key in authorized. Every exec request is answered by handle.
func startTestServer(t *testing.T, handle func(cmd string) execResult, authorized ...ssh.PublicKey) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range authorized {
				if string(k.Marshal()) == string(key.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &testServer{addr: ln.Addr().String(), hostKey: signer.PublicKey(), listener: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			srv.accepted.Add(1)
			go serveConn(nc, cfg, handle)
		}
	}()
	return srv
}

func (s *testServer) host() string {
	h, _, _ := net.SplitHostPort(s.addr)
	return h
}

func (s *testServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig, handle func(cmd string) execResult) {
	defer nc.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, chReqs, handle)
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request, handle func(cmd string) execResult) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		res := handle(payload.Command)
		io.WriteString(ch, res.stdout)
		io.WriteString(ch.Stderr(), res.stderr)
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{res.status}))
		return
	}
}

// writeClientKey generates a client key pair, stores the private half as an
// OpenSSH PEM file and returns its path and public key.
func writeClientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return path, sshPub
}

func echoHandler(cmd string) execResult {
	switch cmd {
	case "uname":
		return execResult{stdout: "Linux\n"}
	case "fail":
		return execResult{stdout: "partial\n", stderr: "boom\n", status: 3}
	default:
		return execResult{stdout: cmd + "\n"}
	}
}
