// Package config loads process configuration from the environment, with an
// optional .env file, and derives the settings each component needs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/resilience"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

// Audio source names accepted by AUDIO_SOURCE.
const (
	SourceDiscord   = "discord"
	SourcePortAudio = "portaudio"
	SourceNone      = "none"
)

type Config struct {
	SessionTimeoutMS       int      `validate:"gt=0"`
	SilenceDetectionMS     int      `validate:"gt=0"`
	MinSpeechDurationMS    int      `validate:"gte=0"`
	MinSilenceDurationMS   int      `validate:"gte=0"`
	MaxSpeechDurationMS    int      `validate:"gt=0"`
	VoiceActivityThreshold float64  `validate:"gt=0,lt=1"`
	WakeWordCooldownMS     int      `validate:"gte=0"`
	MaxRetries             int      `validate:"gte=1"`
	MinConfidence          float64  `validate:"gte=0,lte=1"`
	EndPhrases             []string `validate:"dive,required"`
	WakePhrases            []string `validate:"dive,required"`
	FrameQueue             int      `validate:"gt=0"`

	RetryMaxAttempts int     `validate:"gte=1"`
	RetryBaseDelayMS int     `validate:"gt=0"`
	RetryMultiplier  float64 `validate:"gte=1"`
	RetryMaxDelayMS  int     `validate:"gtefield=RetryBaseDelayMS"`
	RetryJitter      float64 `validate:"gte=0,lte=1"`

	WhisperURL       string `validate:"omitempty,url"`
	WhisperTimeoutMS int    `validate:"gt=0"`
	STTLanguage      string
	STTBeamSize      int `validate:"gte=0"`

	TTSURL       string `validate:"omitempty,url"`
	TTSAuthToken string
	TTSTimeoutMS int `validate:"gt=0"`
	TTSVoice     string

	OpenAIBaseURL       string `validate:"omitempty,url"`
	OpenAIAPIKey        string
	OpenAIModel         string
	OpenAIFallbackModel string
	LLMMaxTokens        int `validate:"gte=0"`
	SystemPrompt        string
	DialogueMCPURL      string `validate:"omitempty,url"`

	Greeting             string
	DialogueFallbackText string

	AudioSource string `validate:"oneof=discord portaudio none"`
	SampleRate  int    `validate:"oneof=8000 16000 24000 48000"`
	FrameMS     int    `validate:"oneof=10 20 40 60"`

	DiscordToken   string `validate:"required_if=AudioSource discord"`
	GuildID        string `validate:"required_if=AudioSource discord"`
	VoiceChannelID string `validate:"required_if=AudioSource discord"`
	OwnerUserID    string

	ControlAddr string

	SaveAudioDir            string
	SaveAudioRetentionHours int `validate:"gte=0"`
	SaveAudioMaxFiles       int `validate:"gte=0"`

	Log logging.Options `validate:"-"`
}

// Load reads an optional .env file (ENV_FILE overrides the path), then the
// environment, and validates the result.
func Load() (*Config, error) {
	path := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from the current environment without validating.
func FromEnv() *Config {
	prompts := session.DefaultPrompts()
	greeting := prompts.Greeting
	if v, ok := os.LookupEnv("GREETING_TEXT"); ok {
		greeting = strings.TrimSpace(v)
	}
	return &Config{
		SessionTimeoutMS:       getEnvInt("SESSION_TIMEOUT_MS", 30000),
		SilenceDetectionMS:     getEnvInt("SILENCE_DETECTION_MS", 2000),
		MinSpeechDurationMS:    getEnvInt("MIN_SPEECH_DURATION_MS", 200),
		MinSilenceDurationMS:   getEnvInt("MIN_SILENCE_DURATION_MS", 300),
		MaxSpeechDurationMS:    getEnvInt("MAX_SPEECH_DURATION_MS", 15000),
		VoiceActivityThreshold: getEnvFloat("VOICE_ACTIVITY_THRESHOLD", 0.02),
		WakeWordCooldownMS:     getEnvInt("WAKE_WORD_COOLDOWN_MS", 1500),
		MaxRetries:             getEnvInt("MAX_RETRIES", 3),
		MinConfidence:          getEnvFloat("MIN_CONFIDENCE", 0.4),
		EndPhrases:             getEnvList("END_PHRASES", session.DefaultEndPhrases),
		WakePhrases:            getEnvList("WAKE_PHRASES", []string{"computer", "hey computer", "okay computer", "ok computer"}),
		FrameQueue:             getEnvInt("FRAME_QUEUE", 256),

		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", resilience.DefaultMaxAttempts),
		RetryBaseDelayMS: getEnvInt("RETRY_BASE_DELAY_MS", int(resilience.DefaultBaseDelay/time.Millisecond)),
		RetryMultiplier:  getEnvFloat("RETRY_MULTIPLIER", resilience.DefaultMultiplier),
		RetryMaxDelayMS:  getEnvInt("RETRY_MAX_DELAY_MS", int(resilience.DefaultMaxDelay/time.Millisecond)),
		RetryJitter:      getEnvFloat("RETRY_JITTER", resilience.DefaultJitter),

		WhisperURL:       getEnv("WHISPER_URL", ""),
		WhisperTimeoutMS: getEnvInt("WHISPER_TIMEOUT_MS", 15000),
		STTLanguage:      getEnv("STT_LANGUAGE", ""),
		STTBeamSize:      getEnvInt("STT_BEAM_SIZE", 0),

		TTSURL:       getEnv("TTS_URL", ""),
		TTSAuthToken: getEnv("TTS_AUTH_TOKEN", ""),
		TTSTimeoutMS: getEnvInt("TTS_TIMEOUT_MS", 30000),
		TTSVoice:     getEnv("TTS_VOICE", ""),

		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", ""),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:         getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIFallbackModel: getEnv("OPENAI_FALLBACK_MODEL", ""),
		LLMMaxTokens:        getEnvInt("LLM_MAX_TOKENS", 512),
		SystemPrompt:        getEnv("SYSTEM_PROMPT", ""),
		DialogueMCPURL:      getEnv("DIALOGUE_MCP_URL", ""),

		Greeting:             greeting,
		DialogueFallbackText: getEnv("DIALOGUE_FALLBACK_TEXT", prompts.DialogueFallback),

		AudioSource: strings.ToLower(getEnv("AUDIO_SOURCE", SourceDiscord)),
		SampleRate:  getEnvInt("SAMPLE_RATE", 48000),
		FrameMS:     getEnvInt("FRAME_MS", 20),

		DiscordToken:   getEnv("DISCORD_BOT_TOKEN", ""),
		GuildID:        getEnv("GUILD_ID", ""),
		VoiceChannelID: getEnv("VOICE_CHANNEL_ID", ""),
		OwnerUserID:    getEnv("OWNER_USER_ID", ""),

		ControlAddr: getEnv("CONTROL_ADDR", ":9001"),

		SaveAudioDir:            getEnv("SAVE_AUDIO_DIR", ""),
		SaveAudioRetentionHours: getEnvInt("SAVE_AUDIO_RETENTION_HOURS", 24),
		SaveAudioMaxFiles:       getEnvInt("SAVE_AUDIO_MAX_FILES", 500),

		Log: logging.OptionsFromEnv(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field in one error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			errs = append(errs, fmt.Errorf("%s: failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		errs = append(errs, fmt.Errorf("%s: failed %s (got %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// Format is the PCM layout every source delivers.
func (c *Config) Format() audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: 1}
}

// Session derives the controller settings.
func (c *Config) Session() session.Config {
	sc := session.DefaultConfig()
	sc.SessionTimeout = ms(c.SessionTimeoutMS)
	sc.SilenceDetection = ms(c.SilenceDetectionMS)
	sc.MinSpeechDuration = ms(c.MinSpeechDurationMS)
	sc.MinSilenceDuration = ms(c.MinSilenceDurationMS)
	sc.MaxSpeechDuration = ms(c.MaxSpeechDurationMS)
	sc.VoiceActivityThreshold = c.VoiceActivityThreshold
	sc.WakeWordCooldown = ms(c.WakeWordCooldownMS)
	sc.MaxRetries = c.MaxRetries
	sc.MinConfidence = c.MinConfidence
	sc.EndPhrases = c.EndPhrases
	sc.Format = c.Format()
	sc.FrameQueue = c.FrameQueue
	sc.CallTimeout = ms(c.WhisperTimeoutMS)
	sc.SpeakTimeout = ms(c.TTSTimeoutMS) * 2
	sc.Voice = c.TTSVoice
	sc.Prompts.Greeting = c.Greeting
	sc.Prompts.DialogueFallback = c.DialogueFallbackText
	return sc
}

// Retry derives the collaborator retry policy.
func (c *Config) Retry() resilience.Policy {
	p := resilience.DefaultPolicy()
	p.MaxAttempts = c.RetryMaxAttempts
	p.BaseDelay = ms(c.RetryBaseDelayMS)
	p.Multiplier = c.RetryMultiplier
	p.MaxDelay = ms(c.RetryMaxDelayMS)
	p.Jitter = c.RetryJitter
	if p.Jitter == 0 {
		p.Jitter = -1
	}
	return p
}

// Frame is the capture frame length.
func (c *Config) Frame() time.Duration { return ms(c.FrameMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
