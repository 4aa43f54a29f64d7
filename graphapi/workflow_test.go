package graphapi

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const txt2imgWorkflow = `{
	"3": {
		"class_type": "KSampler",
		"inputs": {
			"seed": 156680208700286,
			"steps": 20,
			"cfg": 8,
			"sampler_name": "euler",
			"model": ["4", 0],
			"positive": ["6", 0],
			"negative": ["7", 0],
			"latent_image": ["5", 0]
		}
	},
	"4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "v1-5.safetensors"}},
	"5": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512, "batch_size": 1}},
	"6": {"class_type": "CLIPTextEncode", "inputs": {"text": "a bottle of wine", "clip": ["4", 1]}, "_meta": {"title": "Positive"}},
	"7": {"class_type": "CLIPTextEncode", "inputs": {"text": "blurry", "clip": ["4", 1]}},
	"10": {"class_type": "LoadImage", "inputs": {"image": "example.png"}},
	"9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "out", "images": ["8", 0]}}
}`

func loadTestWorkflow(t *testing.T) *WorkflowGraph {
	t.Helper()
	wf, err := ParseWorkflow([]byte(txt2imgWorkflow))
	require.NoError(t, err)
	return wf
}

func TestParseWorkflow(t *testing.T) {
	wf := loadTestWorkflow(t)
	assert.Equal(t, 7, wf.Len())
	assert.Equal(t, []string{"3", "4", "5", "6", "7", "9", "10"}, wf.IDs())
	assert.Equal(t, "Positive", wf.Node("6").Title)

	seed, ok := wf.Seed("3")
	require.True(t, ok)
	assert.Equal(t, int64(156680208700286), seed)
}

func TestParseWorkflowRejectsMalformed(t *testing.T) {
	_, err := ParseWorkflow([]byte(`{}`))
	assert.Error(t, err)

	_, err = ParseWorkflow([]byte(`{"1": {"inputs": {}}}`))
	assert.Error(t, err)

	_, err = ParseWorkflow([]byte(`[1,2,3]`))
	assert.Error(t, err)
}

func TestFindPromptSinkFirstMatchWins(t *testing.T) {
	wf := loadTestWorkflow(t)

	id, err := wf.FindPromptSink("")
	require.NoError(t, err)
	assert.Equal(t, "6", id)

	id, err = wf.FindPromptSink("7")
	require.NoError(t, err)
	assert.Equal(t, "7", id)

	_, err = wf.FindPromptSink("4")
	assert.True(t, errors.Is(err, ErrNoPromptSink))

	_, err = wf.FindPromptSink("99")
	assert.True(t, errors.Is(err, ErrNoPromptSink))
}

func TestFindPromptSinkNoCandidates(t *testing.T) {
	wf := NewWorkflowGraph()
	wf.AddNode("1", &Node{ClassType: "KSampler", Inputs: map[string]interface{}{"seed": 1}})
	_, err := wf.FindPromptSink("")
	assert.True(t, errors.Is(err, ErrNoPromptSink))
}

func TestFindSampler(t *testing.T) {
	wf := loadTestWorkflow(t)
	id, err := wf.FindSampler()
	require.NoError(t, err)
	assert.Equal(t, "3", id)

	noSampler := NewWorkflowGraph()
	noSampler.AddNode("6", &Node{ClassType: "CLIPTextEncode", Inputs: map[string]interface{}{"text": ""}})
	_, err = noSampler.FindSampler()
	assert.True(t, errors.Is(err, ErrNoSampler))
}

func TestCloneIsolatesSeedAndPrompt(t *testing.T) {
	wf := loadTestWorkflow(t)
	before, err := json.Marshal(wf)
	require.NoError(t, err)

	clone := wf.Clone()
	require.NoError(t, clone.SetSeed("3", 42))
	require.NoError(t, clone.SetPrompt("6", "a cat"))
	clone.Node("3").Inputs["model"].([]interface{})[0] = "99"

	after, err := json.Marshal(wf)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))

	seed, _ := clone.Seed("3")
	assert.Equal(t, int64(42), seed)
	origSeed, _ := wf.Seed("3")
	assert.Equal(t, int64(156680208700286), origSeed)
}

func TestPromptRoundTrip(t *testing.T) {
	wf := loadTestWorkflow(t)
	sink, err := wf.FindPromptSink("")
	require.NoError(t, err)
	require.NoError(t, wf.SetPrompt(sink, "a lighthouse at dusk"))

	wire, err := json.Marshal(wf.ToPrompt("client", "prompt-1"))
	require.NoError(t, err)

	var p struct {
		ClientID string          `json:"client_id"`
		PromptID string          `json:"prompt_id"`
		Nodes    json.RawMessage `json:"prompt"`
	}
	require.NoError(t, json.Unmarshal(wire, &p))
	assert.Equal(t, "client", p.ClientID)
	assert.Equal(t, "prompt-1", p.PromptID)

	reparsed, err := ParseWorkflow(p.Nodes)
	require.NoError(t, err)
	resolved, err := reparsed.FindPromptSink("")
	require.NoError(t, err)
	text, ok := reparsed.PromptText(resolved)
	require.True(t, ok)
	assert.Equal(t, "a lighthouse at dusk", text)
}

func TestSeedSurvivesMarshal(t *testing.T) {
	wf := loadTestWorkflow(t)
	const big = int64(9007199254740993) // not representable as float64
	require.NoError(t, wf.SetSeed("3", big))

	data, err := json.Marshal(wf)
	require.NoError(t, err)
	reparsed, err := ParseWorkflow(data)
	require.NoError(t, err)
	seed, ok := reparsed.Seed("3")
	require.True(t, ok)
	assert.Equal(t, big, seed)
}

func TestSetSeedUsesNoiseSeed(t *testing.T) {
	wf := NewWorkflowGraph()
	wf.AddNode("1", &Node{ClassType: "KSamplerAdvanced", Inputs: map[string]interface{}{"noise_seed": 0}})
	require.NoError(t, wf.SetSeed("1", 7))
	assert.Equal(t, json.Number("7"), wf.Node("1").Inputs["noise_seed"])
	_, hasSeed := wf.Node("1").Inputs["seed"]
	assert.False(t, hasSeed)
}

func TestSetImage(t *testing.T) {
	wf := loadTestWorkflow(t)
	require.NoError(t, wf.SetImage("10", "upload.png"))
	assert.Equal(t, "upload.png", wf.Node("10").Inputs["image"])
	assert.True(t, wf.AcceptsImage("10"))

	err := wf.SetImage("6", "upload.png")
	assert.True(t, errors.Is(err, ErrInvalidImageNode))
	err = wf.SetImage("404", "upload.png")
	assert.True(t, errors.Is(err, ErrInvalidImageNode))
}

const customSamplerWorkflow = `{
	"13": {"class_type": "SamplerCustomAdvanced", "inputs": {"noise": ["25", 0], "guider": ["22", 0], "sampler": ["16", 0], "sigmas": ["17", 0]}},
	"16": {"class_type": "KSamplerSelect", "inputs": {"sampler_name": "euler"}},
	"17": {"class_type": "BasicScheduler", "inputs": {"scheduler": "simple", "steps": 20, "denoise": 1}},
	"22": {"class_type": "CFGGuider", "inputs": {"cfg": 3.5, "model": ["12", 0]}},
	"25": {"class_type": "RandomNoise", "inputs": {"noise_seed": 1}}
}`

func TestFindSamplerCustomSampling(t *testing.T) {
	wf, err := ParseWorkflow([]byte(customSamplerWorkflow))
	require.NoError(t, err)

	id, err := wf.FindSampler()
	require.NoError(t, err)
	assert.Equal(t, "25", id)

	require.NoError(t, wf.SetSeed(id, 42))
	assert.Equal(t, json.Number("42"), wf.Node("25").Inputs["noise_seed"])
	_, hasSeed := wf.Node("13").Inputs["seed"]
	assert.False(t, hasSeed)
}

func TestFindSamplerFollowsSeedLink(t *testing.T) {
	wf := NewWorkflowGraph()
	wf.AddNode("3", &Node{ClassType: "KSampler", Inputs: map[string]interface{}{"seed": []interface{}{"30", json.Number("0")}}})
	wf.AddNode("30", &Node{ClassType: "Seed (rgthree)", Inputs: map[string]interface{}{"seed": json.Number("5")}})

	id, err := wf.FindSampler()
	require.NoError(t, err)
	assert.Equal(t, "30", id)

	// a sampler without any seed source is still the sampler
	bare := NewWorkflowGraph()
	bare.AddNode("8", &Node{ClassType: "SamplerCustom", Inputs: map[string]interface{}{"cfg": json.Number("7")}})
	id, err = bare.FindSampler()
	require.NoError(t, err)
	assert.Equal(t, "8", id)
}

func TestSetNumberInput(t *testing.T) {
	wf, err := ParseWorkflow([]byte(customSamplerWorkflow))
	require.NoError(t, err)

	id, ok := wf.SetNumberInput("denoise", 0.6)
	require.True(t, ok)
	assert.Equal(t, "17", id)
	assert.Equal(t, json.Number("0.6"), wf.Node("17").Inputs["denoise"])

	id, ok = wf.SetNumberInput("cfg", 5)
	require.True(t, ok)
	assert.Equal(t, "22", id)
	assert.Equal(t, json.Number("5"), wf.Node("22").Inputs["cfg"])

	_, ok = wf.SetNumberInput("model", 1)
	assert.False(t, ok)
}
