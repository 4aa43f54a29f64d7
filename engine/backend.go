package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/richinsley/gen2go/graphapi"
)

// iteration identifies one call of a batch
type iteration struct {
	Index int
	Total int
	Seed  int64
}

// Payload is a request that has passed validation and is ready to be sent.
// Single call backends fill the HTTP fields; the queue backend carries its
// graph and uploads; the job backend its provider route.
type Payload struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	Graph       *graphapi.WorkflowGraph
	Uploads     []preparedImage
	ImageNodes  []string
	Provider    string
	Model       string
	Seed        int64
	Index       int
	Total       int
	ResultCount int
}

// strategy is the per backend Request Builder and Transport pair
type strategy interface {
	// Build validates the request and produces the payload for one call.
	// It never touches the network.
	Build(ctx context.Context, req *GenerationRequest, it iteration) (*Payload, error)
	Execute(ctx context.Context, p *Payload) ([]ResultItem, error)
	// SingleArtifact is true when a call yields one artifact, so a batch
	// needs one call per item
	SingleArtifact() bool
}

type preparedImage struct {
	Name string
	Data []byte
	MIME string
}

// prepareImages runs the reference images through the pre-processor
func prepareImages(pre ImagePreprocessor, images []ReferenceImage, format string, opts PreprocessOptions) ([]preparedImage, error) {
	retv := make([]preparedImage, 0, len(images))
	for i, img := range images {
		// callers that kept only the source image send it unmodified
		if len(img.Data) == 0 {
			img.Data = img.Original
		}
		if len(img.Data) == 0 {
			return nil, newError(KindInvalidInput, "reference image %d is empty", i+1)
		}
		name := img.Name
		if name == "" {
			name = fmt.Sprintf("image-%d", i+1)
		}
		if pre == nil {
			retv = append(retv, preparedImage{Name: name, Data: img.Data, MIME: http.DetectContentType(img.Data)})
			continue
		}
		data, mime, err := pre.Preprocess(img.Data, format, opts)
		if err != nil {
			return nil, &Error{Kind: KindInvalidInput, Message: fmt.Sprintf("reference image %q could not be prepared", name), Err: err}
		}
		retv = append(retv, preparedImage{Name: withExtension(name, mime), Data: data, MIME: mime})
	}
	return retv, nil
}

func withExtension(name string, mime string) string {
	ext := extensionFor(mime)
	if ext == "" {
		return name
	}
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return name + ext
}

func extensionFor(mime string) string {
	switch strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	}
	return ""
}

// send performs a single HTTP exchange for the synchronous and job backends.
// Transport failures become FetchFailed; cancellation is returned as is.
func send(ctx context.Context, hc *http.Client, method string, url string, header http.Header, body []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, &Error{Kind: KindInvalidURL, Message: url, Err: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, &Error{Kind: KindFetchFailed, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return resp.StatusCode, nil, &Error{Kind: KindFetchFailed, Message: "reading response", StatusCode: resp.StatusCode, Err: err}
	}
	return resp.StatusCode, data, nil
}

// download fetches a produced artifact by URL
func download(ctx context.Context, hc *http.Client, url string) ([]byte, string, error) {
	status, data, err := send(ctx, hc, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, "", err
	}
	if status < 200 || status > 299 {
		return nil, "", &Error{Kind: KindFetchFailed, Message: fmt.Sprintf("unexpected status code: %d", status), StatusCode: status, Body: string(data)}
	}
	return data, http.DetectContentType(data), nil
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func logRequest(backend Backend, p *Payload) {
	slog.Debug("sending request", "backend", string(backend), "url", p.URL, "bytes", len(p.Body))
}
