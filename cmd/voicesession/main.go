package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/config"
	"github.com/discord-voice-lab/voicesession/internal/control"
	"github.com/discord-voice-lab/voicesession/internal/dialogue"
	"github.com/discord-voice-lab/voicesession/internal/discord"
	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/portaudio"
	"github.com/discord-voice-lab/voicesession/internal/session"
	"github.com/discord-voice-lab/voicesession/internal/vad"
	"github.com/discord-voice-lab/voicesession/internal/voice"
	"github.com/discord-voice-lab/voicesession/internal/wake"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	logging.SetLogger(log)
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Errorw("voicesession exited", "err", err)
		_ = logging.Sync()
		os.Exit(1)
	}
	log.Infow("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log logging.Logger) error {
	if cfg.WhisperURL == "" || cfg.TTSURL == "" {
		return errors.New("WHISPER_URL and TTS_URL are required")
	}
	clock := clockwork.NewRealClock()
	format := cfg.Format()

	var rec *voice.Recorder
	if cfg.SaveAudioDir != "" {
		r, err := voice.NewRecorder(voice.RecorderOptions{
			Dir:       cfg.SaveAudioDir,
			Retention: time.Duration(cfg.SaveAudioRetentionHours) * time.Hour,
			MaxFiles:  cfg.SaveAudioMaxFiles,
			Format:    format,
			Clock:     clock,
			Log:       log,
		})
		if err != nil {
			return err
		}
		rec = r
	}

	stt, err := voice.NewWhisperRecognizer(cfg.WhisperURL, format, log)
	if err != nil {
		return err
	}
	stt.Language = cfg.STTLanguage
	stt.BeamSize = cfg.STTBeamSize

	var (
		source session.AudioSource
		player voice.Player
	)
	switch cfg.AudioSource {
	case config.SourceDiscord:
		src := discord.NewSource(discord.Options{
			Token:       cfg.DiscordToken,
			GuildID:     cfg.GuildID,
			ChannelID:   cfg.VoiceChannelID,
			OwnerUserID: cfg.OwnerUserID,
			Format:      format,
			Clock:       clock,
			Log:         log,
		})
		source, player = src, discord.NewPlayer(src)
	case config.SourcePortAudio:
		opts := portaudio.Options{Format: format, Frame: cfg.Frame(), Clock: clock, Log: log}
		source, player = portaudio.NewSource(opts), portaudio.NewPlayer(opts)
	default:
		if cfg.SaveAudioDir != "" {
			player = &voice.FilePlayer{Dir: cfg.SaveAudioDir}
		}
	}

	tts, err := voice.NewTTSSynthesizer(cfg.TTSURL, cfg.TTSAuthToken, player, log)
	if err != nil {
		return err
	}
	tts.Timeout = time.Duration(cfg.TTSTimeoutMS) * time.Millisecond
	tts.Recorder = rec

	var engine session.DialogueEngine
	if cfg.DialogueMCPURL != "" {
		m := dialogue.NewMCPEngine(cfg.DialogueMCPURL, "respond", log)
		defer m.Close()
		engine = m
	} else {
		engine = dialogue.NewOpenAIEngine(dialogue.OpenAIOptions{
			BaseURL:       cfg.OpenAIBaseURL,
			APIKey:        cfg.OpenAIAPIKey,
			Model:         cfg.OpenAIModel,
			FallbackModel: cfg.OpenAIFallbackModel,
			MaxTokens:     cfg.LLMMaxTokens,
			SystemPrompt:  cfg.SystemPrompt,
			Log:           log,
		})
	}

	scfg := cfg.Session()
	manual := wake.NewManual(clock)
	var ctrl *session.Controller
	phrases, err := wake.NewPhraseTrigger(wake.PhraseOptions{
		Phrases: cfg.WakePhrases,
		Window:  2,
		VAD: vad.Params{
			Threshold:  scfg.VoiceActivityThreshold,
			MinSpeech:  scfg.MinSpeechDuration,
			MinSilence: scfg.MinSilenceDuration,
			Format:     format,
		},
		Timeout:    scfg.CallTimeout,
		UserID:     cfg.OwnerUserID,
		Recognizer: stt,
		Idle:       func() bool { return ctrl != nil && ctrl.Idle() },
		Clock:      clock,
		Log:        log,
	})
	if err != nil {
		return err
	}

	deps := session.Deps{
		Recognizer:  stt,
		Synthesizer: tts,
		Dialogue:    engine,
		Source:      source,
		Wake:        []session.WakeTrigger{manual, phrases},
		Taps:        []func(audio.Frame){phrases.Tap},
		Logger:      log,
		Clock:       clock,
		Retry:       cfg.Retry(),
	}
	if rec != nil {
		deps.OnUtterance = rec.Hook
	}
	ctrl, err = session.New(scfg, deps)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	go phrases.Run(ctx)
	if rec != nil {
		events, unsubscribe := ctrl.Subscribe(256)
		defer unsubscribe()
		go rec.Run(ctx, events)
		go rec.RunCleaner(ctx, 10*time.Minute)
	}
	if cfg.ControlAddr != "" {
		srv := control.New(ctrl, log)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.ControlAddr); err != nil {
				log.Errorw("control server stopped", "err", err)
			}
		}()
	}

	// SIGUSR1 starts a session without the wake phrase.
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				manual.Fire(cfg.OwnerUserID)
			}
		}
	}()

	log.Infow("starting voice session controller", "audio_source", cfg.AudioSource, "sample_rate", format.SampleRate)
	err = ctrl.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
