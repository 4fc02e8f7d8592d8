package tts

// Audio is one finite synthesized clip
type Audio struct {
	Data       []byte // Encoded audio (WAV container)
	Format     string // Container name reported to clients, e.g. "wav"
	SampleRate int    // Sample rate in Hz
}

// CartesiaRequest represents the request payload for the Cartesia bytes endpoint
type CartesiaRequest struct {
	ModelID      string         `json:"model_id"`
	Transcript   string         `json:"transcript"`
	Voice        CartesiaVoice  `json:"voice"`
	OutputFormat CartesiaOutput `json:"output_format"`
	Language     string         `json:"language,omitempty"`
}

// CartesiaVoice selects a voice by id
type CartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

// CartesiaOutput describes the raw audio encoding requested
type CartesiaOutput struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// supportedLanguages lists the languages the synthesis model speaks
var supportedLanguages = map[string]bool{
	"en": true, "es": true, "fr": true, "de": true, "pt": true, "zh": true,
	"ja": true, "hi": true, "it": true, "ko": true, "nl": true, "pl": true,
	"ru": true, "sv": true, "tr": true,
}
