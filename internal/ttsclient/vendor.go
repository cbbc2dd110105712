// Package ttsclient adapts a blocking HTTP TTS vendor into the bounded-
// concurrency, retrying batch client spec.md §4.5 describes.
package ttsclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dubforge/retargetd/pkg/provider/tts"
)

const (
	synthesizeEndpointFmt = "%s/v1/text-to-speech/%s"
	voicesEndpointFmt     = "%s/v1/voices"
	defaultModel          = "eleven_flash_v2_5"
	defaultOutputFormat   = "pcm_16000"
	defaultBaseURL        = "https://api.elevenlabs.io"
)

// VendorOption is a functional option configuring a [Vendor].
type VendorOption func(*Vendor)

// WithModel sets the vendor model id.
func WithModel(model string) VendorOption {
	return func(v *Vendor) { v.model = model }
}

// WithOutputFormat sets the requested audio output format.
func WithOutputFormat(format string) VendorOption {
	return func(v *Vendor) { v.outputFormat = format }
}

// WithVendorBaseURL overrides the vendor API base URL (for tests or
// alternate deployments of a compatible API).
func WithVendorBaseURL(url string) VendorOption {
	return func(v *Vendor) { v.baseURL = url }
}

// WithVendorHTTPClient overrides the HTTP client used for vendor calls.
func WithVendorHTTPClient(c *http.Client) VendorOption {
	return func(v *Vendor) { v.httpClient = c }
}

// Vendor implements tts.Provider with a single blocking HTTP POST per
// request. Adapted from a streaming WebSocket client to a request/response
// shape: spec.md §4.5 defines TTS as one call in, one clip out, bounded by a
// wall-clock timeout per request rather than a live stream.
type Vendor struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
	httpClient   *http.Client
}

// NewVendor creates a Vendor. apiKey must be non-empty.
func NewVendor(apiKey string, opts ...VendorOption) (*Vendor, error) {
	if apiKey == "" {
		return nil, errors.New("ttsclient: apiKey must not be empty")
	}
	v := &Vendor{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFormat,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

type synthesizeRequest struct {
	Text            string         `json:"text"`
	ModelID         string         `json:"model_id"`
	LanguageCode    string         `json:"language_code,omitempty"`
	OutputFormat    string         `json:"output_format,omitempty"`
	VoiceSettings   *voiceSettings `json:"voice_settings,omitempty"`
	ReferenceAudioB string         `json:"reference_audio,omitempty"` // base64, present only for cloning
	Emotion         map[string]float64 `json:"emotion,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type synthesizeResponse struct {
	Audio   string `json:"audio"` // base64 audio, present on success
	Message string `json:"message,omitempty"`
}

// vendorStatusError carries the vendor HTTP status so the caller's retry
// policy (spec.md §4.5: 5xx/524 and 429 retryable, other 4xx terminal) can
// inspect it without string-matching.
type vendorStatusError struct {
	status     int
	retryAfter time.Duration
	body       string
}

func (e *vendorStatusError) Error() string {
	return fmt.Sprintf("ttsclient: vendor returned status %d: %s", e.status, e.body)
}

// StatusOf extracts the HTTP status from err, if it originated from a
// vendor call. ok is false for transport-level errors (dial failure,
// timeout) which the caller should treat as retryable regardless.
func StatusOf(err error) (status int, retryAfter time.Duration, ok bool) {
	var se *vendorStatusError
	if errors.As(err, &se) {
		return se.status, se.retryAfter, true
	}
	return 0, 0, false
}

// Synthesize sends req as a single blocking HTTP call and returns the
// decoded audio bytes. voiceID selects the vendor voice when req has no
// reference audio; when ReferenceAudio is set, it is sent base64-encoded and
// voiceID is ignored by the vendor's cloning path.
func (v *Vendor) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	voiceID := req.VoiceID
	if len(req.ReferenceAudio) > 0 {
		voiceID = "clone"
	}
	if voiceID == "" {
		return nil, errors.New("ttsclient: request has neither VoiceID nor ReferenceAudio")
	}

	outFmt := req.OutputFormat
	if outFmt == "" {
		outFmt = v.outputFormat
	}

	payload := synthesizeRequest{
		Text:          req.Text,
		ModelID:       v.model,
		LanguageCode:  req.LanguageCode,
		OutputFormat:  outFmt,
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		Emotion:       req.Emotion,
	}
	if len(req.ReferenceAudio) > 0 {
		payload.ReferenceAudioB = base64.StdEncoding.EncodeToString(req.ReferenceAudio)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ttsclient: marshal request: %w", err)
	}

	url := fmt.Sprintf(synthesizeEndpointFmt, v.baseURL, voiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ttsclient: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", v.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ttsclient: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, &vendorStatusError{
			status:     resp.StatusCode,
			retryAfter: retryAfterOf(resp.Header.Get("Retry-After")),
			body:       string(respBody),
		}
	}

	var sr synthesizeResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return nil, fmt.Errorf("ttsclient: decode response: %w", err)
	}
	if sr.Audio == "" {
		return nil, fmt.Errorf("ttsclient: vendor response carried no audio: %s", sr.Message)
	}
	audio, err := base64.StdEncoding.DecodeString(sr.Audio)
	if err != nil {
		return nil, fmt.Errorf("ttsclient: decode audio: %w", err)
	}
	return audio, nil
}

// ListVoices returns the vendor's voice catalogue.
func (v *Vendor) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	url := fmt.Sprintf(voicesEndpointFmt, v.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ttsclient: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", v.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ttsclient: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ttsclient: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr struct {
		Voices []struct {
			VoiceID  string `json:"voice_id"`
			Name     string `json:"name"`
			Language string `json:"language,omitempty"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("ttsclient: list voices decode: %w", err)
	}

	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		voices = append(voices, tts.Voice{ID: v.VoiceID, Name: v.Name, Language: v.Language})
	}
	return voices, nil
}

func retryAfterOf(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
