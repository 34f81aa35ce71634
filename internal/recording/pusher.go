package recording

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/seiler-io/jetgate/internal/token"
)

// ClientPush streams the raw bytes of one client connection into the payload
// file allocated by the recording manager.
type ClientPush struct {
	Recordings   Handle
	Claims       *token.RecordingClaims
	ClientStream io.ReadWriteCloser
	FileType     token.FileType
	SessionID    uuid.UUID
}

// Run copies the client stream to disk until EOF or ctx cancellation. When
// the manager refuses to start the recording, Run shuts the client stream
// down and returns nil: recording must not kill the session. Errors opening,
// writing or closing the payload file are returned. Exactly one Disconnect is
// sent per successful Connect, after the file is flushed and closed.
func (p *ClientPush) Run(ctx context.Context) error {
	if p.SessionID != p.Claims.AssociationID {
		return fmt.Errorf("inconsistent session ID (ID in token: %s)", p.Claims.AssociationID)
	}

	recordingFile, err := p.Recordings.Connect(ctx, p.SessionID, p.FileType)
	if err != nil {
		slog.Warn("unable to start recording", "id", p.SessionID, "error", err)
		p.ClientStream.Close()
		return nil
	}

	slog.Debug("opening recording file", "path", recordingFile)

	res := p.push(ctx, recordingFile)

	// Sent even when ctx is already cancelled; the draining manager still
	// needs the final manifest write.
	if err := p.Recordings.Disconnect(context.WithoutCancel(ctx), p.SessionID); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}

	return res
}

func (p *ClientPush) push(ctx context.Context, recordingFile string) error {
	f, err := os.OpenFile(recordingFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file at %s: %w", recordingFile, err)
	}

	w := bufio.NewWriter(f)

	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(w, p.ClientStream)
		copyDone <- err
	}()

	var res error
	select {
	case err := <-copyDone:
		if err != nil {
			res = fmt.Errorf("streaming to file: %w", err)
		}
	case <-ctx.Done():
		slog.Debug("received shutdown signal", "id", p.SessionID)
		// Unblocks the copy; whatever was already read still lands on disk.
		if err := p.ClientStream.Close(); err != nil {
			res = fmt.Errorf("shutdown client stream: %w", err)
		}
		<-copyDone
	}

	if err := w.Flush(); err != nil && res == nil {
		res = fmt.Errorf("flush recording file: %w", err)
	}
	if err := f.Close(); err != nil && res == nil {
		res = fmt.Errorf("close recording file: %w", err)
	}

	return res
}
