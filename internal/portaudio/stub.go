//go:build !portaudio

package portaudio

import (
	"context"
	"errors"
	"fmt"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

var errNotBuilt = errors.New("built without portaudio support (use -tags portaudio)")

// Source reports missing hardware in builds without portaudio.
type Source struct{ opts Options }

func NewSource(o Options) *Source { return &Source{opts: o.withDefaults()} }

func (s *Source) Start(ctx context.Context, push func(audio.Frame)) error {
	return fmt.Errorf("%w: %v", session.ErrHardwareUnavailable, errNotBuilt)
}

func (s *Source) Close() error { return nil }

type Player struct{}

func NewPlayer(o Options) *Player { return &Player{} }

func (p *Player) Play(ctx context.Context, wav []byte) error { return errNotBuilt }
