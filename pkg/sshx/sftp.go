package sshx

import (
	"context"
	"os"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/multierr"
)

// sftpExitTimeout bounds the wait for the sftp server after its input
// was closed.
const sftpExitTimeout = 5 * time.Second

// SftpClient is an SFTP client running over the sftp subsystem of a session.
type SftpClient struct {
	*sftp.Client

	child  *RemoteChild
	stdout *os.File
}

// Sftp starts the sftp subsystem and returns a client connected to it.
func (s *Session) Sftp(ctx context.Context, options ...sftp.ClientOption) (*SftpClient, error) {
	child, err := s.Subsystem("sftp").
		Stdin(Piped()).
		Stdout(Piped()).
		Spawn(ctx)
	if err != nil {
		return nil, err
	}

	stdin, stdout := child.Stdin(), child.Stdout()
	client, err := sftp.NewClientPipe(stdout, stdin, options...)
	if err != nil {
		stdin.Close()
		stdout.Close()
		if _, waitErr := child.Wait(ctx); waitErr != nil {
			err = multierr.Append(err, waitErr)
		}
		return nil, err
	}

	return &SftpClient{Client: client, child: child, stdout: stdout}, nil
}

// Close closes the client and waits for the sftp server to exit.
func (c *SftpClient) Close() error {
	err := c.Client.Close()
	c.stdout.Close()

	ctx, cancel := context.WithTimeout(context.Background(), sftpExitTimeout)
	defer cancel()

	status, waitErr := c.child.Wait(ctx)
	if waitErr != nil {
		return multierr.Append(err, waitErr)
	}
	if !status.Success() {
		c.child.session.logger.Debug().Int("code", status.Code()).Msg("sftp server exited with failure")
	}
	return err
}
