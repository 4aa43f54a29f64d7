package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/richinsley/gen2go/graphapi"
	"github.com/richinsley/gen2go/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const comfyWorkflow = `{
	"3": {"class_type": "KSampler", "inputs": {"seed": 1, "steps": 20, "model": ["4", 0], "positive": ["6", 0], "negative": ["7", 0]}},
	"4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "model.safetensors"}},
	"6": {"class_type": "CLIPTextEncode", "inputs": {"text": "placeholder", "clip": ["4", 1]}, "_meta": {"title": "Positive"}},
	"7": {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["4", 1]}, "_meta": {"title": "Negative Prompt"}},
	"10": {"class_type": "LoadImage", "inputs": {"image": "example.png"}},
	"9": {"class_type": "SaveImage", "inputs": {"images": ["8", 0]}}
}`

var pngHeader = []byte("\x89PNG\r\n\x1a\nfakeimage")

// fakeComfy emulates the queue server routes the engine uses
type fakeComfy struct {
	*httptest.Server
	calls        atomic.Int32
	historyCalls atomic.Int32
	// history polls answered with {} before a prompt is reported done
	pendingPolls int32
	failWith     string
	historyHit   chan struct{}

	mu      sync.Mutex
	prompts []map[string]interface{}
	uploads []string
}

func newFakeComfy(t *testing.T, pendingPolls int32, failWith string) *fakeComfy {
	f := &fakeComfy{pendingPolls: pendingPolls, failWith: failWith, historyHit: make(chan struct{}, 16)}
	upgrader := websocket.Upgrader{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		switch {
		case r.URL.Path == "/ws":
			conn, err := upgrader.Upgrade(w, r, nil)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		case r.URL.Path == "/upload/image":
			_, hdr, err := r.FormFile("image")
			if !assert.NoError(t, err) {
				return
			}
			f.mu.Lock()
			f.uploads = append(f.uploads, hdr.Filename)
			f.mu.Unlock()
			fmt.Fprintf(w, `{"name": "uploaded-%s", "subfolder": "", "type": "input"}`, hdr.Filename)
		case r.URL.Path == "/prompt":
			d := json.NewDecoder(r.Body)
			d.UseNumber()
			var body map[string]interface{}
			if !assert.NoError(t, d.Decode(&body)) {
				return
			}
			f.mu.Lock()
			f.prompts = append(f.prompts, body)
			n := len(f.prompts)
			f.mu.Unlock()
			fmt.Fprintf(w, `{"prompt_id": %q, "number": %d, "node_errors": {}}`, body["prompt_id"], n)
		case strings.HasPrefix(r.URL.Path, "/history/"):
			n := f.historyCalls.Add(1)
			select {
			case f.historyHit <- struct{}{}:
			default:
			}
			id := strings.TrimPrefix(r.URL.Path, "/history/")
			if n <= f.pendingPolls {
				io.WriteString(w, `{}`)
				return
			}
			if f.failWith != "" {
				fmt.Fprintf(w, `{%q: {"outputs": {}, "status": {"status_str": "error", "completed": false,
					"messages": [["execution_error", {"node_type": "KSampler", "exception_message": %q}]]}}}`, id, f.failWith)
				return
			}
			fmt.Fprintf(w, `{%q: {"outputs": {
				"9": {"images": [{"filename": "%s.png", "subfolder": "", "type": "output"}]},
				"5": {"images": [{"filename": "preview.png", "subfolder": "", "type": "temp"}]}
			}, "status": {"status_str": "success", "completed": true, "messages": []}}}`, id, id)
		case r.URL.Path == "/view":
			assert.Equal(t, "output", r.URL.Query().Get("type"))
			w.Write(pngHeader)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeComfy) queued() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}{}, f.prompts...)
}

type memorySink struct {
	mu       sync.Mutex
	pending  []history.Record
	records  []history.Record
	persists int
	discards int
	failWith error
}

func (m *memorySink) Append(rec history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, rec)
	return nil
}

func (m *memorySink) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persists++
	if m.failWith != nil {
		return m.failWith
	}
	m.records = append(m.records, m.pending...)
	m.pending = nil
	return nil
}

func (m *memorySink) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discards++
	m.pending = nil
}

func (m *memorySink) snapshot() ([]history.Record, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Record{}, m.records...), m.persists
}

func parseComfyWorkflow(t *testing.T) *graphapi.WorkflowGraph {
	t.Helper()
	wf, err := graphapi.ParseWorkflow([]byte(comfyWorkflow))
	require.NoError(t, err)
	return wf
}

func collect(run *Run) []ResultItem {
	items := make([]ResultItem, 0)
	for it := range run.Items() {
		items = append(items, it)
	}
	return items
}

func nodeInputs(t *testing.T, prompt map[string]interface{}, id string) map[string]interface{} {
	t.Helper()
	nodes, ok := prompt["prompt"].(map[string]interface{})
	require.True(t, ok)
	node, ok := nodes[id].(map[string]interface{})
	require.True(t, ok, "node %s", id)
	inputs, ok := node["inputs"].(map[string]interface{})
	require.True(t, ok)
	return inputs
}

func TestComfyBatch(t *testing.T) {
	srv := newFakeComfy(t, 0, "")
	sink := &memorySink{}
	o := New(Config{ComfyServerURL: srv.URL, QueuePollInterval: time.Millisecond}, Dependencies{
		History: sink,
		Seeds:   sequenceSeeds(111, 222, 333),
	})

	wf := parseComfyWorkflow(t)
	before, err := json.Marshal(wf)
	require.NoError(t, err)

	run, err := o.Submit(context.Background(), GenerationRequest{
		Prompt:    "a red fox",
		Backend:   BackendComfy,
		BatchSize: 3,
		Workflow:  wf,
		Options:   Options{NegativePrompt: "blurry"},
	})
	require.NoError(t, err)
	items := collect(run)
	require.NoError(t, run.Wait())
	assert.False(t, run.Canceled())

	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, i+1, it.Index)
		assert.Equal(t, 3, it.Total)
		assert.Equal(t, pngHeader, it.Image)
		assert.Equal(t, "image/png", it.MIMEType)
	}
	assert.Equal(t, "Seed: 111", items[0].Caption)
	assert.Equal(t, "Seed: 222", items[1].Caption)
	assert.Equal(t, "Seed: 333", items[2].Caption)

	prompts := srv.queued()
	require.Len(t, prompts, 3)
	ids := map[string]bool{}
	for i, p := range prompts {
		ids[p["prompt_id"].(string)] = true
		assert.NotEmpty(t, p["client_id"])
		assert.Equal(t, "a red fox", nodeInputs(t, p, "6")["text"])
		assert.Equal(t, "blurry", nodeInputs(t, p, "7")["text"])
		assert.Equal(t, json.Number(fmt.Sprint([]int64{111, 222, 333}[i])), nodeInputs(t, p, "3")["seed"])
	}
	assert.Len(t, ids, 3)

	// the caller's graph is untouched
	after, err := json.Marshal(wf)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))

	records, persists := sink.snapshot()
	require.Len(t, records, 3)
	assert.Equal(t, 1, persists)
	assert.NotEmpty(t, records[0].BatchID)
	for i, rec := range records {
		assert.Equal(t, records[0].BatchID, rec.BatchID)
		assert.Equal(t, "a red fox", rec.Prompt)
		assert.Equal(t, "comfyui", rec.Backend)
		assert.Equal(t, i+1, rec.Index)
		assert.Equal(t, 3, rec.Total)
	}

	assert.Equal(t, ProgressState{Fraction: 1, Completed: true}, o.CurrentProgress())
	assert.False(t, o.Active())
}

func TestComfySingleItemHasNoBatchID(t *testing.T) {
	srv := newFakeComfy(t, 2, "")
	sink := &memorySink{}
	o := New(Config{ComfyServerURL: srv.URL, QueuePollInterval: time.Millisecond}, Dependencies{History: sink})

	run, err := o.Submit(context.Background(), GenerationRequest{
		Prompt:   "a red fox",
		Backend:  BackendComfy,
		Workflow: parseComfyWorkflow(t),
	})
	require.NoError(t, err)
	items := collect(run)
	require.NoError(t, run.Wait())
	require.Len(t, items, 1)
	assert.Equal(t, int32(3), srv.historyCalls.Load())

	records, _ := sink.snapshot()
	require.Len(t, records, 1)
	assert.Empty(t, records[0].BatchID)
	assert.Zero(t, records[0].Index)
}

func TestComfyUploadsReferenceImages(t *testing.T) {
	srv := newFakeComfy(t, 0, "")
	o := New(Config{ComfyServerURL: srv.URL, QueuePollInterval: time.Millisecond}, Dependencies{})

	run, err := o.Submit(context.Background(), GenerationRequest{
		Prompt:   "a red fox",
		Backend:  BackendComfy,
		Workflow: parseComfyWorkflow(t),
		Images:   []ReferenceImage{{Name: "ref.png", Data: pngHeader}},
		Options:  Options{ImageNodeIDs: []string{"10"}},
	})
	require.NoError(t, err)
	collect(run)
	require.NoError(t, run.Wait())

	prompts := srv.queued()
	require.Len(t, prompts, 1)
	assert.Equal(t, "uploaded-ref.png", nodeInputs(t, prompts[0], "10")["image"])
}

func TestComfyValidationBeforeNetwork(t *testing.T) {
	cases := map[string]struct {
		workflow string
		opts     Options
		kind     Kind
	}{
		"no sampler": {
			workflow: `{"6": {"class_type": "CLIPTextEncode", "inputs": {"text": "x"}}}`,
			kind:     KindNoSamplerNode,
		},
		"no prompt sink": {
			workflow: `{"3": {"class_type": "KSampler", "inputs": {"seed": 1}}}`,
			kind:     KindInvalidPromptNode,
		},
		"bad prompt node": {
			workflow: comfyWorkflow,
			opts:     Options{PromptNodeID: "4"},
			kind:     KindInvalidPromptNode,
		},
		"bad image node": {
			workflow: comfyWorkflow,
			opts:     Options{ImageNodeIDs: []string{"3"}},
			kind:     KindInvalidImageNode,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := newFakeComfy(t, 0, "")
			wf, err := graphapi.ParseWorkflow([]byte(tc.workflow))
			require.NoError(t, err)
			o := New(Config{ComfyServerURL: srv.URL}, Dependencies{})
			run, err := o.Submit(context.Background(), GenerationRequest{
				Prompt:   "x",
				Backend:  BackendComfy,
				Workflow: wf,
				Images:   []ReferenceImage{{Name: "a.png", Data: pngHeader}},
				Options:  tc.opts,
			})
			require.NoError(t, err)
			assert.Empty(t, collect(run))
			err = run.Wait()
			assert.True(t, IsKind(err, tc.kind), "got %v", err)
			assert.Equal(t, int32(0), srv.calls.Load())
		})
	}
}

func TestComfyConfigurationErrors(t *testing.T) {
	o := New(Config{}, Dependencies{})
	run, err := o.Submit(context.Background(), GenerationRequest{Prompt: "x", Backend: BackendComfy})
	require.NoError(t, err)
	assert.True(t, IsKind(run.Wait(), KindNoWorkflow))

	run, err = o.Submit(context.Background(), GenerationRequest{Prompt: "x", Backend: BackendComfy, Workflow: parseComfyWorkflow(t)})
	require.NoError(t, err)
	assert.True(t, IsKind(run.Wait(), KindInvalidConfiguration))

	o = New(Config{ComfyServerURL: "ftp://host"}, Dependencies{})
	run, err = o.Submit(context.Background(), GenerationRequest{Prompt: "x", Backend: BackendComfy, Workflow: parseComfyWorkflow(t)})
	require.NoError(t, err)
	assert.True(t, IsKind(run.Wait(), KindInvalidURL))
}

func TestComfyExecutionError(t *testing.T) {
	srv := newFakeComfy(t, 0, "CUDA out of memory")
	sink := &memorySink{}
	o := New(Config{ComfyServerURL: srv.URL, QueuePollInterval: time.Millisecond}, Dependencies{History: sink})

	run, err := o.Submit(context.Background(), GenerationRequest{Prompt: "x", Backend: BackendComfy, Workflow: parseComfyWorkflow(t)})
	require.NoError(t, err)
	collect(run)
	err = run.Wait()
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindAPIError, e.Kind)
	assert.Equal(t, "API error: KSampler: CUDA out of memory", e.Summary())
	records, persists := sink.snapshot()
	assert.Empty(t, records)
	assert.Zero(t, persists)
}

func TestComfyTimeout(t *testing.T) {
	srv := newFakeComfy(t, 1<<30, "")
	o := New(Config{ComfyServerURL: srv.URL, QueuePollInterval: time.Millisecond, QueueTimeout: 20 * time.Millisecond}, Dependencies{})

	run, err := o.Submit(context.Background(), GenerationRequest{Prompt: "x", Backend: BackendComfy, Workflow: parseComfyWorkflow(t)})
	require.NoError(t, err)
	collect(run)
	err = run.Wait()
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "no result or timeout", e.Message)
}

func TestComfyCancelDuringPoll(t *testing.T) {
	srv := newFakeComfy(t, 1<<30, "")
	sink := &memorySink{}
	o := New(Config{ComfyServerURL: srv.URL, QueuePollInterval: time.Hour}, Dependencies{History: sink})

	run, err := o.Submit(context.Background(), GenerationRequest{Prompt: "x", Backend: BackendComfy, BatchSize: 2, Workflow: parseComfyWorkflow(t)})
	require.NoError(t, err)

	select {
	case <-srv.historyHit:
	case <-time.After(5 * time.Second):
		t.Fatal("history never polled")
	}
	o.Cancel()

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.NoError(t, run.Wait())
	assert.True(t, run.Canceled())
	assert.Empty(t, collect(run))

	calls := srv.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, srv.calls.Load())
	assert.Equal(t, int32(1), srv.historyCalls.Load())
	assert.Len(t, srv.queued(), 1)

	records, persists := sink.snapshot()
	assert.Empty(t, records)
	assert.Zero(t, persists)
	assert.False(t, o.Active())
}

func TestPickOutputPrefersSaved(t *testing.T) {
	srv := newFakeComfy(t, 0, "")
	o := New(Config{ComfyServerURL: srv.URL, QueuePollInterval: time.Millisecond}, Dependencies{})
	run, err := o.Submit(context.Background(), GenerationRequest{Prompt: "x", Backend: BackendComfy, Workflow: parseComfyWorkflow(t)})
	require.NoError(t, err)
	items := collect(run)
	require.NoError(t, run.Wait())
	require.Len(t, items, 1)
	assert.True(t, bytes.HasPrefix(items[0].Image, []byte("\x89PNG")))
}

func TestComfyStrengthAndGuidance(t *testing.T) {
	srv := newFakeComfy(t, 0, "")
	o := New(Config{ComfyServerURL: srv.URL, QueuePollInterval: time.Millisecond}, Dependencies{})

	wf, err := graphapi.ParseWorkflow([]byte(`{
		"3": {"class_type": "KSampler", "inputs": {"seed": 1, "cfg": 8, "denoise": 1, "positive": ["6", 0]}},
		"6": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}}
	}`))
	require.NoError(t, err)

	_, err = runOnce(t, o, GenerationRequest{
		Prompt:   "a red fox",
		Backend:  BackendComfy,
		Workflow: wf,
		Options:  Options{Strength: 0.55, Guidance: 4.5},
	})
	require.NoError(t, err)

	prompts := srv.queued()
	require.Len(t, prompts, 1)
	sampler := nodeInputs(t, prompts[0], "3")
	assert.Equal(t, json.Number("0.55"), sampler["denoise"])
	assert.Equal(t, json.Number("4.5"), sampler["cfg"])

	// the caller's graph keeps its values
	assert.Equal(t, json.Number("1"), wf.Node("3").Inputs["denoise"])
}

func TestComfyStrengthOutOfRange(t *testing.T) {
	srv := newFakeComfy(t, 0, "")
	o := New(Config{ComfyServerURL: srv.URL}, Dependencies{})

	_, err := runOnce(t, o, GenerationRequest{
		Prompt:   "a red fox",
		Backend:  BackendComfy,
		Workflow: parseComfyWorkflow(t),
		Options:  Options{Strength: 1.5},
	})
	assert.True(t, IsKind(err, KindInvalidInput))
	assert.Zero(t, srv.calls.Load())
}

func TestComfyUploadsOriginalWhenNoEdit(t *testing.T) {
	srv := newFakeComfy(t, 0, "")
	o := New(Config{ComfyServerURL: srv.URL, QueuePollInterval: time.Millisecond}, Dependencies{})

	_, err := runOnce(t, o, GenerationRequest{
		Prompt:   "a red fox",
		Backend:  BackendComfy,
		Workflow: parseComfyWorkflow(t),
		Images:   []ReferenceImage{{Name: "ref.png", Original: pngHeader}},
		Options:  Options{ImageNodeIDs: []string{"10"}},
	})
	require.NoError(t, err)

	prompts := srv.queued()
	require.Len(t, prompts, 1)
	assert.Equal(t, "uploaded-ref.png", nodeInputs(t, prompts[0], "10")["image"])
}
