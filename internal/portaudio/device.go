//go:build portaudio

package portaudio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

// Source reads the default input device in Frame-sized blocks.
type Source struct {
	opts Options
	log  logging.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSource(o Options) *Source {
	o = o.withDefaults()
	return &Source{opts: o, log: o.Log.With("component", "portaudio")}
}

// Start implements session.AudioSource.
func (s *Source) Start(ctx context.Context, push func(audio.Frame)) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: portaudio init: %v", session.ErrHardwareUnavailable, err)
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("%w: no default input device: %v", session.ErrHardwareUnavailable, err)
	}
	buf := make([]int16, s.opts.samplesPerFrame())
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(s.opts.Format.SampleRate), len(buf), buf)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("%w: open input stream: %v", session.ErrHardwareUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("%w: start input stream: %v", session.ErrHardwareUnavailable, err)
	}
	s.log.Infow("started audio capture", "device", dev.Name, "sample_rate", s.opts.Format.SampleRate)

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.stream, s.cancel, s.done = stream, cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for cctx.Err() == nil {
			if err := stream.Read(); err != nil {
				if cctx.Err() == nil {
					s.log.Warnw("audio read error", "err", err)
				}
				return
			}
			push(audio.NewFrame(audio.Int16ToBytes(append([]int16(nil), buf...)), s.opts.Clock.Now()))
		}
	}()
	return nil
}

// Close implements session.AudioSource.
func (s *Source) Close() error {
	s.mu.Lock()
	stream, cancel, done := s.stream, s.cancel, s.done
	s.stream, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()
	if stream == nil {
		return nil
	}
	cancel()
	_ = stream.Stop()
	<-done
	err := stream.Close()
	_ = portaudio.Terminate()
	return err
}

// Player writes clips to the default output device.
type Player struct {
	opts Options
}

func NewPlayer(o Options) *Player { return &Player{opts: o.withDefaults()} }

func (p *Player) Play(ctx context.Context, wav []byte) error {
	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return err
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	out := make([]int16, p.opts.samplesPerFrame()*format.Channels)
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), len(out)/format.Channels, out)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return err
	}
	defer stream.Stop()

	samples := audio.BytesToInt16(pcm)
	for off := 0; off < len(samples); off += len(out) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(out, samples[off:])
		clear(out[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("audio write: %w", err)
		}
	}
	return nil
}
