package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkflow = `{
	"3": {"class_type": "KSampler", "inputs": {"seed": 1, "steps": 20}},
	"6": {"class_type": "CLIPTextEncode", "inputs": {"text": "a cat"}}
}`

func pngWithText(keyword string, value string) []byte {
	var buf bytes.Buffer
	buf.Write(pngSignature)
	writeChunk := func(typ string, payload []byte) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(payload)))
		buf.Write(n[:])
		buf.WriteString(typ)
		buf.Write(payload)
		buf.Write([]byte{0, 0, 0, 0})
	}
	writeChunk("IHDR", make([]byte, 13))
	writeChunk("tEXt", []byte(keyword+"\x00"+value))
	writeChunk("IEND", nil)
	return buf.Bytes()
}

func TestLoadWorkflowJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.json")
	require.NoError(t, os.WriteFile(path, []byte(testWorkflow), 0o644))

	wf, err := loadWorkflow(path)
	require.NoError(t, err)
	assert.Equal(t, 2, wf.Len())
	assert.Equal(t, []string{"3", "6"}, wf.IDs())
}

func TestLoadWorkflowPNG(t *testing.T) {
	dir := t.TempDir()
	withGraph := filepath.Join(dir, "with.png")
	require.NoError(t, os.WriteFile(withGraph, pngWithText("prompt", testWorkflow), 0o644))

	wf, err := loadWorkflow(withGraph)
	require.NoError(t, err)
	assert.NotNil(t, wf.Node("6"))

	without := filepath.Join(dir, "without.png")
	require.NoError(t, os.WriteFile(without, pngWithText("parameters", "steps: 20"), 0o644))
	_, err = loadWorkflow(without)
	assert.ErrorContains(t, err, "no runtime workflow")
}

func TestStringList(t *testing.T) {
	var l stringList
	require.NoError(t, l.Set("a.png"))
	require.NoError(t, l.Set("b.png"))
	assert.Equal(t, stringList{"a.png", "b.png"}, l)
	assert.Equal(t, "a.png,b.png", l.String())
}
