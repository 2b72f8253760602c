package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/voicesession/internal/audio"
)

// Player speaks WAV clips into the voice channel joined by a Source.
type Player struct {
	conn   func() *discordgo.VoiceConnection
	newEnc func() (encoder, error)
}

func NewPlayer(src *Source) *Player {
	return &Player{conn: src.VoiceConnection, newEnc: newEncoder}
}

// Play encodes wav into 20 ms Opus packets and sends them at the pace the
// voice connection accepts them.
func (p *Player) Play(ctx context.Context, wav []byte) error {
	vc := p.conn()
	if vc == nil {
		return errors.New("discord: not connected to a voice channel")
	}
	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return err
	}
	packets, err := p.encode(pcm, format)
	if err != nil {
		return err
	}
	if err := vc.Speaking(true); err != nil {
		return fmt.Errorf("discord: speaking: %w", err)
	}
	defer vc.Speaking(false)
	for _, pkt := range packets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case vc.OpusSend <- pkt:
		}
	}
	return nil
}

func (p *Player) encode(pcm []byte, format audio.Format) ([][]byte, error) {
	if format.Channels != 1 {
		return nil, fmt.Errorf("discord: only mono clips are supported, got %d channels", format.Channels)
	}
	if format.SampleRate <= 0 || discordRate%format.SampleRate != 0 {
		return nil, fmt.Errorf("discord: cannot play %d Hz audio", format.SampleRate)
	}
	enc, err := p.newEnc()
	if err != nil {
		return nil, err
	}
	stereo := upmix(resample(audio.BytesToInt16(pcm), format.SampleRate, discordRate))
	step := packetSamples * discordChannels
	var packets [][]byte
	for off := 0; off < len(stereo); off += step {
		chunk := make([]int16, step)
		copy(chunk, stereo[off:])
		buf := make([]byte, maxPacketBytes)
		n, err := enc.Encode(chunk, buf)
		if err != nil {
			return nil, fmt.Errorf("discord: opus encode: %w", err)
		}
		packets = append(packets, buf[:n])
	}
	return packets, nil
}
