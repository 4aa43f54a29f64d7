package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const DefaultGeminiModel = "gemini-2.5-flash-image"

// finish reasons that mean the candidate was withheld by a content filter
var geminiSafetyReasons = map[string]bool{
	"SAFETY":                   true,
	"PROHIBITED_CONTENT":       true,
	"BLOCKLIST":                true,
	"SPII":                     true,
	"IMAGE_SAFETY":             true,
	"IMAGE_PROHIBITED_CONTENT": true,
}

var geminiHarmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities"`
	CandidateCount     int                `json:"candidateCount"`
	Seed               *int64             `json:"seed,omitempty"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
	SafetySettings   []geminiSafetySetting  `json:"safetySettings,omitempty"`
}

// responses use camelCase for inline data
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason  string `json:"finishReason"`
		FinishMessage string `json:"finishMessage"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason        string `json:"blockReason"`
		BlockReasonMessage string `json:"blockReasonMessage"`
	} `json:"promptFeedback"`
}

// geminiBackend is the synchronous single call backend. One call returns up
// to candidateCount images.
type geminiBackend struct {
	baseURL     string
	apiKey      string
	model       string
	imageFormat string
	prepOpts    PreprocessOptions
	pre         ImagePreprocessor
	hc          *http.Client
}

func (g *geminiBackend) SingleArtifact() bool {
	return false
}

func (g *geminiBackend) Build(ctx context.Context, req *GenerationRequest, it iteration) (*Payload, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Images) == 0 {
		return nil, newError(KindInvalidInput, "a prompt or a reference image is required")
	}
	if g.apiKey == "" {
		return nil, newError(KindInvalidConfiguration, "no API key for %s", BackendGemini)
	}
	model := req.Options.Model
	if model == "" {
		model = g.model
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	endpoint, err := url.JoinPath(g.baseURL, "v1beta", "models", model+":generateContent")
	if err != nil || g.baseURL == "" {
		return nil, &Error{Kind: KindInvalidURL, Message: g.baseURL, Err: err}
	}

	images, err := prepareImages(g.pre, req.Images, g.imageFormat, g.prepOpts)
	if err != nil {
		return nil, err
	}

	parts := make([]geminiPart, 0, len(images)+1)
	if req.Prompt != "" {
		parts = append(parts, geminiPart{Text: req.Prompt})
	}
	for _, img := range images {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: img.MIME,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}

	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: geminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			CandidateCount:     req.batchSize(),
			Seed:               req.Options.Seed,
		},
	}
	if req.Options.AspectRatio != "" {
		body.GenerationConfig.ImageConfig = &geminiImageConfig{AspectRatio: req.Options.AspectRatio}
	}
	if !req.Options.SafetyChecker {
		for _, c := range geminiHarmCategories {
			body.SafetySettings = append(body.SafetySettings, geminiSafetySetting{Category: c, Threshold: "BLOCK_ONLY_HIGH"})
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("x-goog-api-key", g.apiKey)

	return &Payload{
		Method:      http.MethodPost,
		URL:         endpoint,
		Header:      header,
		Body:        data,
		Model:       model,
		ResultCount: req.batchSize(),
	}, nil
}

func (g *geminiBackend) Execute(ctx context.Context, p *Payload) ([]ResultItem, error) {
	logRequest(BackendGemini, p)
	status, body, err := send(ctx, g.hc, p.Method, p.URL, p.Header, p.Body)
	if err != nil {
		return nil, err
	}
	if err := classifyResponse(status, body); err != nil {
		return nil, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, decodeError(err, status, body)
	}
	return g.items(&resp, status, body)
}

func (g *geminiBackend) items(resp *geminiResponse, status int, body []byte) ([]ResultItem, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		msg := resp.PromptFeedback.BlockReasonMessage
		if msg == "" {
			msg = "prompt blocked: " + resp.PromptFeedback.BlockReason
		}
		e := apiError(msg, status, string(body))
		e.Safety = true
		return nil, e
	}
	if len(resp.Candidates) == 0 {
		return nil, apiError("no candidates returned", status, string(body))
	}

	retv := make([]ResultItem, 0, len(resp.Candidates))
	produced := 0
	blocked := ""
	for i, c := range resp.Candidates {
		item := ResultItem{Index: i + 1, Total: len(resp.Candidates)}
		texts := make([]string, 0)
		for _, part := range c.Content.Parts {
			if part.InlineData != nil && item.Image == nil && part.InlineData.Data != "" {
				data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					return nil, decodeError(fmt.Errorf("candidate %d: %w", i+1, err), status, body)
				}
				item.Image = data
				item.MIMEType = part.InlineData.MimeType
			} else if part.Text != "" {
				texts = append(texts, strings.TrimSpace(part.Text))
			}
		}
		if geminiSafetyReasons[c.FinishReason] && blocked == "" {
			blocked = c.FinishReason
			if c.FinishMessage != "" {
				blocked += ": " + c.FinishMessage
			}
		}
		if item.Image == nil {
			item.Caption = missingCaption(i + 1)
		} else {
			produced++
			item.Caption = strings.Join(texts, "\n")
		}
		retv = append(retv, item)
	}

	if produced == 0 {
		if blocked != "" {
			e := apiError("generation blocked: "+blocked, status, string(body))
			e.Safety = true
			return nil, e
		}
		return nil, apiError("response contained no image", status, string(body))
	}
	return retv, nil
}
