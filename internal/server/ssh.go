package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHClient wraps an authenticated SSH connection to an agentless device.
type SSHClient struct {
	client *ssh.Client
	host   string
}

// NewSSHClient dials the target host with key or password authentication.
func NewSSHClient(ctx context.Context, host, user, password, keyPEM string) (*SSHClient, error) {
	var authMethods []ssh.AuthMethod

	if keyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(keyPEM))
		if err != nil {
			return nil, fmt.Errorf("parsing SSH key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if password != "" {
		authMethods = append(authMethods, ssh.Password(password))
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("SSH %s: no key or password configured", host)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: verify against a known_hosts file from config
		Timeout:         15 * time.Second,
	}

	addr := sshAddr(host)
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}
	return &SSHClient{client: ssh.NewClient(c, chans, reqs), host: host}, nil
}

func sshAddr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), "22")
}

// Close cleanly shuts down the SSH connection.
func (s *SSHClient) Close() error { return s.client.Close() }

// Run executes a command and returns combined stdout+stderr.
func (s *SSHClient) Run(cmd string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	out, err := sess.CombinedOutput(cmd)
	return string(out), err
}
