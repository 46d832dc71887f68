package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

var opusTags = []byte("OpusTags")

// OggDevice replays an Ogg/Opus stream page by page as if it were a microphone.
type OggDevice struct {
	rc          io.ReadCloser
	ogg         *oggreader.OggReader
	lastGranule uint64
}

func NewOggDevice(rc io.ReadCloser) (*OggDevice, error) {
	ogg, _, err := oggreader.NewWith(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("read ogg header: %w", err)
	}
	return &OggDevice{rc: rc, ogg: ogg}, nil
}

// FileOpener opens path as an OggDevice on each call.
func FileOpener(path string) Opener {
	return func(context.Context) (Device, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return NewOggDevice(f)
	}
}

// ReadSample returns the next audio page. Comment headers are skipped.
func (d *OggDevice) ReadSample() (media.Sample, error) {
	for {
		page, header, err := d.ogg.ParseNextPage()
		if err != nil {
			return media.Sample{}, err
		}
		if bytes.HasPrefix(page, opusTags) {
			continue
		}

		var count uint64
		if header.GranulePosition > d.lastGranule {
			count = header.GranulePosition - d.lastGranule
		}
		d.lastGranule = header.GranulePosition

		return media.Sample{
			Data:     page,
			Duration: time.Duration(count) * time.Second / time.Duration(OpusCapability.ClockRate),
		}, nil
	}
}

func (d *OggDevice) Close() error {
	return d.rc.Close()
}
