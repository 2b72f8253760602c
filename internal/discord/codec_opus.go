//go:build opus

package discord

import "github.com/hraban/opus"

func newDecoder() (decoder, error) {
	return opus.NewDecoder(discordRate, discordChannels)
}

func newEncoder() (encoder, error) {
	return opus.NewEncoder(discordRate, discordChannels, opus.AppVoIP)
}
