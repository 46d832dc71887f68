package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

type discard struct{}

func (discard) WriteRTP(*rtp.Packet) error { return nil }
func (discard) Close() error               { return nil }

// Discard is a PlayerFactory whose players drop everything.
func Discard(string) (Player, error) {
	return discard{}, nil
}

// RecordTo returns a PlayerFactory writing each remote peer to dir/<id>.ogg.
func RecordTo(dir string) PlayerFactory {
	return func(remoteID string) (Player, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create recording dir: %w", err)
		}
		w, err := oggwriter.New(filepath.Join(dir, fileName(remoteID)), 48000, 2)
		if err != nil {
			return nil, fmt.Errorf("open recording for %s: %w", remoteID, err)
		}
		return w, nil
	}
}

func fileName(remoteID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, remoteID)
	if clean == "" {
		clean = "peer"
	}
	return clean + ".ogg"
}
