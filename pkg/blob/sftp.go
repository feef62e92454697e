package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPConfig holds connection settings for the SFTP-backed store.
type SFTPConfig struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port (default: 22).
	Port int

	// User is the SSH username.
	User string

	// Password for password-based authentication. Ignored when
	// PrivateKeyPath is set.
	Password string

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string

	// KnownHostsPath is the path to the known_hosts file. When empty,
	// host key verification is disabled.
	KnownHostsPath string

	// BaseDir is the remote directory all keys are resolved under.
	BaseDir string

	// ConnectTimeout is the timeout for establishing a connection.
	ConnectTimeout time.Duration
}

// Validate checks the configuration.
func (c *SFTPConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Password == "" && c.PrivateKeyPath == "" {
		return fmt.Errorf("either password or private key path is required")
	}
	if c.BaseDir == "" {
		return fmt.Errorf("base directory is required")
	}
	return nil
}

func (c *SFTPConfig) address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

func (c *SFTPConfig) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.PrivateKeyPath != "" {
		keyData, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	} else {
		auth = append(auth, ssh.Password(c.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via empty KnownHostsPath
	if c.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	timeout := c.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// SFTPStore implements Store over an SFTP session on a shared SSH host.
// It lets several machines coordinate through the same remote directory
// (lock markers, mirrored snapshots) without a cloud object service.
type SFTPStore struct {
	config SFTPConfig

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

// NewSFTPStore creates an SFTP-backed store. The connection is
// established lazily on first use.
func NewSFTPStore(cfg SFTPConfig) (*SFTPStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sftp config: %w", err)
	}
	return &SFTPStore{config: cfg}, nil
}

// Close tears down the SFTP session and SSH connection.
func (s *SFTPStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		_ = s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

// getClient returns a live SFTP client, dialing if necessary.
func (s *SFTPStore) getClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sftp != nil {
		// Cheap liveness probe; a dead session is rebuilt below.
		if _, err := s.sftp.Getwd(); err == nil {
			return s.sftp, nil
		}
		log.Warn().Msg("sftp session is dead, reconnecting")
		_ = s.sftp.Close()
		_ = s.client.Close()
		s.sftp = nil
		s.client = nil
	}

	clientConfig, err := s.config.clientConfig()
	if err != nil {
		return nil, err
	}

	sshClient, err := ssh.Dial("tcp", s.config.address(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", s.config.address(), err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}

	s.client = sshClient
	s.sftp = sftpClient
	return s.sftp, nil
}

func (s *SFTPStore) keyPath(key string) string {
	return path.Join(s.config.BaseDir, key)
}

// Put writes an object, overwriting any existing content.
func (s *SFTPStore) Put(ctx context.Context, key string, data []byte) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	remote := s.keyPath(key)
	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	f, err := client.Create(remote)
	if err != nil {
		return fmt.Errorf("failed to create remote object: %w", err)
	}
	return s.writeAndClose(ctx, f, remote, data)
}

// PutIfAbsent writes an object only if it does not already exist. The
// SFTP server enforces O_EXCL, so the check-and-create is atomic on the
// remote side.
func (s *SFTPStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	remote := s.keyPath(key)
	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	f, err := client.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		if isExistErr(err) {
			return ErrObjectExists
		}
		return fmt.Errorf("failed to create remote object: %w", err)
	}
	return s.writeAndClose(ctx, f, remote, data)
}

func (s *SFTPStore) writeAndClose(ctx context.Context, f *sftp.File, remote string, data []byte) error {
	select {
	case <-ctx.Done():
		_ = f.Close()
		return ctx.Err()
	default:
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("failed to write remote object %s: %w", remote, werr)
	}
	if cerr != nil {
		return fmt.Errorf("failed to close remote object %s: %w", remote, cerr)
	}
	return nil
}

// Get reads an object.
func (s *SFTPStore) Get(_ context.Context, key string) ([]byte, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}
	f, err := client.Open(s.keyPath(key))
	if err != nil {
		if isNotExistErr(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open remote object: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote object: %w", err)
	}
	return data, nil
}

// Delete removes an object.
func (s *SFTPStore) Delete(_ context.Context, key string) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	if err := client.Remove(s.keyPath(key)); err != nil {
		if isNotExistErr(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("failed to delete remote object: %w", err)
	}
	return nil
}

// Stat returns metadata for an object.
func (s *SFTPStore) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}
	info, err := client.Stat(s.keyPath(key))
	if err != nil {
		if isNotExistErr(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat remote object: %w", err)
	}
	return &ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List returns all objects under the given key prefix.
func (s *SFTPStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	objects := []ObjectInfo{}
	walker := client.Walk(s.config.BaseDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, fmt.Errorf("failed to walk remote directory: %w", err)
		}
		if walker.Stat().IsDir() {
			continue
		}
		rel := strings.TrimPrefix(walker.Path(), s.config.BaseDir)
		rel = strings.TrimPrefix(rel, "/")
		if !strings.HasPrefix(rel, prefix) {
			continue
		}
		info := walker.Stat()
		objects = append(objects, ObjectInfo{Key: rel, Size: info.Size(), ModTime: info.ModTime()})
	}
	return objects, nil
}

func isNotExistErr(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "file does not exist")
}

func isExistErr(err error) bool {
	return os.IsExist(err) || strings.Contains(err.Error(), "file exists") ||
		strings.Contains(err.Error(), "failure") // some servers report SSH_FX_FAILURE for O_EXCL conflicts
}
