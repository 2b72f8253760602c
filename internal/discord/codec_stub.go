//go:build !opus

package discord

func newDecoder() (decoder, error) { return nil, errNoCodec }

func newEncoder() (encoder, error) { return nil, errNoCodec }
