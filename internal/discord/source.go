// Package discord captures a guild voice channel as the controller's audio
// source and plays synthesized speech back into it.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/jonboulle/clockwork"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

// Options configures a Source.
type Options struct {
	Token     string
	GuildID   string
	ChannelID string
	// OwnerUserID, when set, is the only speaker forwarded to the
	// controller.
	OwnerUserID string
	Format      audio.Format
	Clock       clockwork.Clock
	Log         logging.Logger
}

// Source joins the configured voice channel and forwards each received
// Opus packet as a mono PCM frame in Format.
type Source struct {
	opts     Options
	log      logging.Logger
	newDec   func() (decoder, error)
	resolver *Resolver

	mu       sync.Mutex
	dg       *discordgo.Session
	vc       *discordgo.VoiceConnection
	ssrcUser map[uint32]string
	decoders map[uint32]decoder
	stop     chan struct{}
	done     chan struct{}

	decodeErrs atomic.Int64
	filtered   atomic.Int64
}

func NewSource(o Options) *Source {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Log == nil {
		o.Log = logging.Nop()
	}
	if o.Format.SampleRate == 0 {
		o.Format = audio.DefaultFormat
	}
	return &Source{
		opts:     o,
		log:      o.Log.With("component", "discord", "guild", o.GuildID, "channel", o.ChannelID),
		newDec:   newDecoder,
		ssrcUser: make(map[uint32]string),
		decoders: make(map[uint32]decoder),
	}
}

// Start implements session.AudioSource. Any failure to reach the voice
// channel is reported as ErrHardwareUnavailable.
func (s *Source) Start(ctx context.Context, push func(audio.Frame)) error {
	if discordRate%s.opts.Format.SampleRate != 0 {
		return fmt.Errorf("%w: sample rate %d does not divide %d", session.ErrHardwareUnavailable, s.opts.Format.SampleRate, discordRate)
	}
	if _, err := s.newDec(); err != nil {
		return fmt.Errorf("%w: %v", session.ErrHardwareUnavailable, err)
	}
	dg, err := discordgo.New("Bot " + s.opts.Token)
	if err != nil {
		return fmt.Errorf("%w: discordgo.New: %v", session.ErrHardwareUnavailable, err)
	}
	if dg.Identify.Intents == 0 {
		dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	}
	s.log.Infow("opening discord session", "intents", dg.Identify.Intents)
	if err := dg.Open(); err != nil {
		return fmt.Errorf("%w: discord session open failed: %v", session.ErrHardwareUnavailable, err)
	}
	vc, err := dg.ChannelVoiceJoin(s.opts.GuildID, s.opts.ChannelID, false, false)
	if err != nil {
		_ = dg.Close()
		return fmt.Errorf("%w: voice join failed: %v", session.ErrHardwareUnavailable, err)
	}
	s.resolver = NewResolver(dg, s.opts.Clock)
	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		s.mapSSRC(uint32(su.SSRC), su.UserID)
	})

	s.mu.Lock()
	s.dg, s.vc = dg, vc
	s.stop, s.done = make(chan struct{}), make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()
	s.log.Infow("voice joined", logging.ChannelFields(s.opts.ChannelID, s.resolver.ChannelName(s.opts.ChannelID))...)

	go func() {
		defer close(done)
		s.receive(ctx, stop, vc.OpusRecv, push)
	}()
	return nil
}

func (s *Source) mapSSRC(ssrc uint32, userID string) {
	s.mu.Lock()
	s.ssrcUser[ssrc] = userID
	s.mu.Unlock()
	name := ""
	if s.resolver != nil {
		name = s.resolver.UserName(userID)
	}
	s.log.Infow("mapped SSRC to user", append(logging.UserFields(userID, name), "ssrc", ssrc)...)
}

func (s *Source) receive(ctx context.Context, stop <-chan struct{}, pkts <-chan *discordgo.Packet, push func(audio.Frame)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case pkt, ok := <-pkts:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			if f, ok := s.decode(pkt); ok {
				push(f)
			}
		}
	}
}

// decode turns one packet into a frame, dropping packets from speakers
// other than the owner.
func (s *Source) decode(pkt *discordgo.Packet) (audio.Frame, bool) {
	s.mu.Lock()
	uid := s.ssrcUser[pkt.SSRC]
	if s.opts.OwnerUserID != "" && uid != s.opts.OwnerUserID {
		s.mu.Unlock()
		s.filtered.Add(1)
		return audio.Frame{}, false
	}
	dec, ok := s.decoders[pkt.SSRC]
	if !ok {
		var err error
		if dec, err = s.newDec(); err != nil {
			s.mu.Unlock()
			return audio.Frame{}, false
		}
		s.decoders[pkt.SSRC] = dec
	}
	s.mu.Unlock()

	stereo := make([]int16, packetSamples*discordChannels*6)
	n, err := dec.Decode(pkt.Opus, stereo)
	if err != nil {
		if c := s.decodeErrs.Add(1); c == 1 || c%100 == 0 {
			s.log.Warnw("opus decode error", "ssrc", pkt.SSRC, "err", err, "total", c)
		}
		return audio.Frame{}, false
	}
	mono := resample(downmix(stereo[:n*discordChannels]), discordRate, s.opts.Format.SampleRate)
	return audio.NewFrame(audio.Int16ToBytes(mono), s.opts.Clock.Now()), true
}

// VoiceConnection is the joined channel, or nil before Start.
func (s *Source) VoiceConnection() *discordgo.VoiceConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vc
}

// Close implements session.AudioSource.
func (s *Source) Close() error {
	s.mu.Lock()
	dg, vc, stop, done := s.dg, s.vc, s.stop, s.done
	s.dg, s.vc, s.stop, s.done = nil, nil, nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	var errs []error
	if vc != nil {
		if err := vc.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("voice disconnect: %w", err))
		}
	}
	if dg != nil {
		if err := dg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("discord session close: %w", err))
		}
	}
	if n := s.filtered.Load(); n > 0 {
		s.log.Infow("frames from other speakers dropped", "count", n)
	}
	return errors.Join(errs...)
}
