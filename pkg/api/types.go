package api

// PartType discriminates the members of the ContentPart union.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartAudio PartType = "audio"
	PartFile  PartType = "file"
)

// ContentPart is a single element of a multimodal request. Exactly one of
// Text, Data or URI is populated depending on Type.
type ContentPart struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	Data []byte   `json:"data,omitempty"`
	URI  string   `json:"uri,omitempty"`
	MIME string   `json:"mime,omitempty"`
}

// Text builds a text part.
func Text(s string) ContentPart {
	return ContentPart{Type: PartText, Text: s}
}

// ImageBytes builds an inline image part.
func ImageBytes(data []byte, mime string) ContentPart {
	return ContentPart{Type: PartImage, Data: data, MIME: mime}
}

// ImageURI builds an image part referencing a remote object.
func ImageURI(uri, mime string) ContentPart {
	return ContentPart{Type: PartImage, URI: uri, MIME: mime}
}

// AudioBytes builds an inline audio part.
func AudioBytes(data []byte, mime string) ContentPart {
	return ContentPart{Type: PartAudio, Data: data, MIME: mime}
}

// FileURI builds a file reference part.
func FileURI(uri string) ContentPart {
	return ContentPart{Type: PartFile, URI: uri}
}

// Parts normalizes a plain prompt into a single-element part slice.
func Parts(prompt string) []ContentPart {
	return []ContentPart{Text(prompt)}
}

// Task selects the generation surface a call targets.
type Task string

const (
	TaskChat     Task = "chat"
	TaskTTS      Task = "tts"
	TaskASR      Task = "asr"
	TaskImageGen Task = "image_gen"
	TaskVideoGen Task = "video_gen"
)

// GenConfig carries per-call overrides. Zero values mean "inherit".
type GenConfig struct {
	Task            Task              `json:"task,omitempty" validate:"omitempty,oneof=chat tts asr image_gen video_gen"`
	Temperature     *float64          `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty" validate:"gte=0"`
	VoiceConfig     map[string]string `json:"voice_config,omitempty"`
	ImageSize       string            `json:"image_size,omitempty"`
	AspectRatio     string            `json:"aspect_ratio,omitempty"`
	ThoughtMode     string            `json:"thought_mode,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	FullResponse    *bool             `json:"full_response,omitempty"`
	OptimizeImages  bool              `json:"optimize_images,omitempty"`
}

// DefaultMaxOutputTokens is assumed for cost estimation when a call does
// not pin MaxOutputTokens.
const DefaultMaxOutputTokens = 1000

// TokenUsage is the multi-unit usage record. Known reports whether the
// provider returned real numbers; when false the fields hold estimates.
type TokenUsage struct {
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	TotalTokens   int     `json:"total_tokens"`
	Images        int     `json:"images,omitempty"`
	AudioSeconds  float64 `json:"audio_seconds,omitempty"`
	TTSCharacters int     `json:"tts_characters,omitempty"`
	Known         bool    `json:"known"`
}

// Add merges another usage record into u.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.TotalTokens += o.TotalTokens
	u.Images += o.Images
	u.AudioSeconds += o.AudioSeconds
	u.TTSCharacters += o.TTSCharacters
	u.Known = u.Known || o.Known
}

// FinishReason tags how a generation ended. Safety blocks are responses,
// not errors; callers branch on the tag.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishSafetyBlocked FinishReason = "safety_blocked"
	FinishError         FinishReason = "error"
	FinishCancelled     FinishReason = "cancelled"
)

// Timing holds per-request latency figures in milliseconds.
type Timing struct {
	TTFTMillis  int64 `json:"ttft_ms"`
	TotalMillis int64 `json:"total_ms"`
}

// GenerationResponse is the normalized result of a non-streaming call.
type GenerationResponse struct {
	Content      string         `json:"content"`
	MediaParts   []ContentPart  `json:"media_parts,omitempty"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Usage        TokenUsage     `json:"usage"`
	CostUSD      float64        `json:"cost_usd"`
	FinishReason FinishReason   `json:"finish_reason"`
	TraceID      string         `json:"trace_id"`
	Timing       Timing         `json:"timing"`
	ProviderMeta map[string]any `json:"provider_meta,omitempty"`
}

func (r *GenerationResponse) String() string {
	return r.Content
}

// StreamEvent is one element of a streaming response. The terminal event
// carries IsFinal=true with the aggregated usage and final cost.
type StreamEvent struct {
	Delta      string      `json:"delta,omitempty"`
	MediaDelta []byte      `json:"media_delta,omitempty"`
	IsFinal    bool        `json:"is_final"`
	Usage      *TokenUsage `json:"usage,omitempty"`
	CostUSD    float64     `json:"cost_usd,omitempty"`
	Err        error       `json:"-"`
}
