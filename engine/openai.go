package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

const DefaultOpenAIModel = "gpt-image-1"

type openaiGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type openaiResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

// openaiBackend is the bearer authenticated synchronous image backend.
// Requests with reference images go to the edits endpoint as multipart.
type openaiBackend struct {
	baseURL     string
	apiKey      string
	model       string
	imageFormat string
	prepOpts    PreprocessOptions
	pre         ImagePreprocessor
	hc          *http.Client
}

func (o *openaiBackend) SingleArtifact() bool {
	return false
}

// dall-e models answer with URLs unless asked for base64; gpt-image models
// always return base64 and reject the parameter
func openaiResponseFormat(model string) string {
	if strings.HasPrefix(model, "dall-e") {
		return "b64_json"
	}
	return ""
}

func (o *openaiBackend) Build(ctx context.Context, req *GenerationRequest, it iteration) (*Payload, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, newError(KindInvalidInput, "a prompt is required")
	}
	if o.apiKey == "" {
		return nil, newError(KindInvalidConfiguration, "no API key for %s", BackendOpenAI)
	}
	if o.baseURL == "" {
		return nil, newError(KindInvalidURL, "no base URL for %s", BackendOpenAI)
	}
	model := req.Options.Model
	if model == "" {
		model = o.model
	}
	if model == "" {
		model = DefaultOpenAIModel
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+o.apiKey)
	payload := &Payload{
		Method:      http.MethodPost,
		Header:      header,
		Model:       model,
		ResultCount: req.batchSize(),
	}

	if len(req.Images) == 0 {
		endpoint, err := url.JoinPath(o.baseURL, "images", "generations")
		if err != nil {
			return nil, &Error{Kind: KindInvalidURL, Message: o.baseURL, Err: err}
		}
		data, err := json.Marshal(openaiGenerationRequest{
			Model:          model,
			Prompt:         req.Prompt,
			N:              req.batchSize(),
			Size:           req.Options.Resolution,
			ResponseFormat: openaiResponseFormat(model),
		})
		if err != nil {
			return nil, err
		}
		header.Set("Content-Type", "application/json")
		payload.URL = endpoint
		payload.Body = data
		return payload, nil
	}

	endpoint, err := url.JoinPath(o.baseURL, "images", "edits")
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, Message: o.baseURL, Err: err}
	}
	images, err := prepareImages(o.pre, req.Images, o.imageFormat, o.prepOpts)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"model", model},
		{"prompt", req.Prompt},
		{"n", strconv.Itoa(req.batchSize())},
	}
	if req.Options.Resolution != "" {
		fields = append(fields, [2]string{"size", req.Options.Resolution})
	}
	if f := openaiResponseFormat(model); f != "" {
		fields = append(fields, [2]string{"response_format", f})
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	field := "image"
	if len(images) > 1 {
		field = "image[]"
	}
	for _, img := range images {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, img.Name))
		h.Set("Content-Type", img.MIME)
		part, err := writer.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	header.Set("Content-Type", writer.FormDataContentType())
	payload.URL = endpoint
	payload.Body = buf.Bytes()
	return payload, nil
}

func (o *openaiBackend) Execute(ctx context.Context, p *Payload) ([]ResultItem, error) {
	logRequest(BackendOpenAI, p)
	status, body, err := send(ctx, o.hc, p.Method, p.URL, p.Header, p.Body)
	if err != nil {
		return nil, err
	}
	if err := classifyResponse(status, body); err != nil {
		return nil, err
	}

	var resp openaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, decodeError(err, status, body)
	}
	if len(resp.Data) == 0 {
		return nil, apiError("response contained no image", status, string(body))
	}

	retv := make([]ResultItem, 0, len(resp.Data))
	produced := 0
	for i, d := range resp.Data {
		item := ResultItem{Index: i + 1, Total: len(resp.Data), Caption: d.RevisedPrompt}
		switch {
		case d.B64JSON != "":
			data, err := base64.StdEncoding.DecodeString(d.B64JSON)
			if err != nil {
				return nil, decodeError(fmt.Errorf("item %d: %w", i+1, err), status, body)
			}
			item.Image = data
			item.MIMEType = http.DetectContentType(data)
		case d.URL != "":
			data, mime, err := download(ctx, o.hc, d.URL)
			if err != nil {
				return nil, err
			}
			item.Image = data
			item.MIMEType = mime
		}
		if item.Image == nil {
			item.Caption = missingCaption(i + 1)
		} else {
			produced++
		}
		retv = append(retv, item)
	}
	if produced == 0 {
		return nil, apiError("response contained no image", status, string(body))
	}
	return retv, nil
}
