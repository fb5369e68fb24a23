package tts

// Documented parameter ranges for voice tuning. Values outside these
// ranges are rejected at the admin surface; the engine assumes callers
// supply already-valid resolved parameters.
const (
	PitchMin = -12
	PitchMax = 12

	SpeedMin = 0.5
	SpeedMax = 2.0

	VolumeMin = 0.1
	VolumeMax = 10.0
)

// System defaults applied when no channel or viewer value resolves.
const (
	DefaultVoiceID    = "Wise_Woman"
	DefaultPitch      = 0
	DefaultSpeed      = 1.0
	DefaultVolume     = 1.0
	DefaultEmotion    = "neutral"
	DefaultLangBoost  = "auto"
	DefaultSampleRate = 32000
	DefaultBitrate    = 128000
	DefaultChannels   = 1
	DefaultFormat     = "mp3"
)

// emotions is the closed set of emotion tags the provider accepts.
var emotions = map[string]bool{
	"neutral":   true,
	"happy":     true,
	"sad":       true,
	"angry":     true,
	"fearful":   true,
	"disgusted": true,
	"surprised": true,
}

// languageBoosts is the closed set of language-boost tags.
var languageBoosts = map[string]bool{
	"auto":        true,
	"Chinese":     true,
	"Chinese,Yue": true,
	"English":     true,
	"Arabic":      true,
	"Russian":     true,
	"Spanish":     true,
	"French":      true,
	"Portuguese":  true,
	"German":      true,
	"Turkish":     true,
	"Dutch":       true,
	"Ukrainian":   true,
	"Vietnamese":  true,
	"Indonesian":  true,
	"Japanese":    true,
	"Italian":     true,
	"Korean":      true,
	"Thai":        true,
	"Polish":      true,
	"Romanian":    true,
	"Greek":       true,
	"Czech":       true,
	"Finnish":     true,
	"Hindi":       true,
}

// ValidEmotion reports whether e is a recognised emotion tag.
func ValidEmotion(e string) bool { return emotions[e] }

// ValidLanguageBoost reports whether b is a recognised language-boost tag.
func ValidLanguageBoost(b string) bool { return languageBoosts[b] }

// NormalizeEmotion maps legacy emotion spellings onto the closed set.
// The dashboard used to store "auto" before emotions became explicit.
func NormalizeEmotion(e string) string {
	if e == "" || e == "auto" {
		return DefaultEmotion
	}
	return e
}

// NormalizeLanguageBoost maps legacy boost spellings onto the closed set.
// Older channel records carry "None" or "Automatic".
func NormalizeLanguageBoost(b string) string {
	switch b {
	case "", "None", "Automatic":
		return DefaultLangBoost
	}
	return b
}

// VoiceParams is a fully resolved set of synthesis parameters. Every
// field carries a concrete value; resolution against channel defaults
// and viewer preferences happens before a VoiceParams is constructed.
type VoiceParams struct {
	VoiceID       string  `json:"voiceId" msgpack:"voiceId"`
	Pitch         int     `json:"pitch" msgpack:"pitch"`
	Speed         float64 `json:"speed" msgpack:"speed"`
	Volume        float64 `json:"volume" msgpack:"volume"`
	Emotion       string  `json:"emotion" msgpack:"emotion"`
	LanguageBoost string  `json:"languageBoost" msgpack:"languageBoost"`
	Normalization bool    `json:"englishNormalization" msgpack:"englishNormalization"`
	SampleRate    int     `json:"sampleRate" msgpack:"sampleRate"`
	Bitrate       int     `json:"bitrate" msgpack:"bitrate"`
	Channels      int     `json:"channels" msgpack:"channels"`
}

// DefaultParams returns the documented system-default voice parameters.
func DefaultParams() VoiceParams {
	return VoiceParams{
		VoiceID:       DefaultVoiceID,
		Pitch:         DefaultPitch,
		Speed:         DefaultSpeed,
		Volume:        DefaultVolume,
		Emotion:       DefaultEmotion,
		LanguageBoost: DefaultLangBoost,
		SampleRate:    DefaultSampleRate,
		Bitrate:       DefaultBitrate,
		Channels:      DefaultChannels,
	}
}

// Clamp forces p into the documented ranges and normalises legacy enum
// values. Channel records are clamped on load so stored out-of-range
// values can never reach the synthesizer.
func (p *VoiceParams) Clamp() {
	if p.VoiceID == "" {
		p.VoiceID = DefaultVoiceID
	}
	if p.Pitch < PitchMin {
		p.Pitch = PitchMin
	}
	if p.Pitch > PitchMax {
		p.Pitch = PitchMax
	}
	if p.Speed < SpeedMin {
		p.Speed = SpeedMin
	}
	if p.Speed > SpeedMax {
		p.Speed = SpeedMax
	}
	if p.Volume < VolumeMin {
		p.Volume = VolumeMin
	}
	if p.Volume > VolumeMax {
		p.Volume = VolumeMax
	}
	p.Emotion = NormalizeEmotion(p.Emotion)
	if !ValidEmotion(p.Emotion) {
		p.Emotion = DefaultEmotion
	}
	p.LanguageBoost = NormalizeLanguageBoost(p.LanguageBoost)
	if !ValidLanguageBoost(p.LanguageBoost) {
		p.LanguageBoost = DefaultLangBoost
	}
	if p.SampleRate <= 0 {
		p.SampleRate = DefaultSampleRate
	}
	if p.Bitrate <= 0 {
		p.Bitrate = DefaultBitrate
	}
	if p.Channels != 1 && p.Channels != 2 {
		p.Channels = DefaultChannels
	}
}
