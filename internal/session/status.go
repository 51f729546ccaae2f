package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/nfrund/roomsync/internal/domain"
)

// Status is the connection state shown by the status badge.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// MediaDevices grants access to capture devices.
type MediaDevices interface {
	Request(ctx context.Context, kind domain.MediaKind) error
}

var errNoMediaDevices = errors.New("no media devices available")

// RequestMedia asks for every kind in turn and stops at the first denial,
// which is reported as a *domain.MediaAccessError. Denials are recoverable:
// calling again asks again.
func (m *Manager) RequestMedia(ctx context.Context, kinds ...domain.MediaKind) error {
	for _, kind := range kinds {
		if kind != domain.MediaCamera && kind != domain.MediaMicrophone {
			return fmt.Errorf("unknown media kind %q", kind)
		}
		if m.opts.media == nil {
			return &domain.MediaAccessError{Kind: kind, Err: errNoMediaDevices}
		}
		if err := m.opts.media.Request(ctx, kind); err != nil {
			var denied *domain.MediaAccessError
			if errors.As(err, &denied) {
				return err
			}
			m.logger.Info("Media access denied", "kind", kind, "error", err)
			return &domain.MediaAccessError{Kind: kind, Err: err}
		}
	}
	return nil
}
