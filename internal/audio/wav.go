package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a 16-bit WAV file as if it were a live microphone.
type WAVSource struct {
	Path          string
	FrameDuration time.Duration
	// Pace sleeps one frame duration between frames.
	Pace bool
}

func (s *WAVSource) Open(ctx context.Context, _ string) (<-chan Frame, error) {
	pcm, sampleRate, channels, err := ReadWAV(s.Path)
	if err != nil {
		return nil, err
	}
	frameDuration := s.FrameDuration
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}
	frameBytes := int(int64(sampleRate) * int64(channels) * 2 * frameDuration.Milliseconds() / 1000)
	if frameBytes <= 0 {
		frameBytes = 2 * channels
	}

	out := make(chan Frame)
	go func() {
		defer close(out)
		var ticker *time.Ticker
		if s.Pace {
			ticker = time.NewTicker(frameDuration)
			defer ticker.Stop()
		}
		for offset := 0; ; offset += frameBytes {
			end := offset + frameBytes
			final := end >= len(pcm)
			if final {
				end = len(pcm)
			}
			frame := Frame{PCM: pcm[offset:end], SampleRate: sampleRate, Channels: channels, Final: final}
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
			if final {
				return
			}
			if ticker != nil {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ReadWAV decodes a PCM WAV file into 16-bit little-endian samples.
func ReadWAV(path string) (pcm []byte, sampleRate, channels int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return nil, 0, 0, fmt.Errorf("unsupported bit depth %d", dec.BitDepth)
	}

	pcm = make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return pcm, int(dec.SampleRate), int(dec.NumChans), nil
}

// WriteWAV encodes 16-bit little-endian PCM as a WAV stream.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
