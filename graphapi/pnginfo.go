package graphapi

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"io"
)

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// a chunk is a 4 byte length, a 4 byte type, the payload and a 4 byte CRC
const chunkOverhead = 12

// upper bound for decompressed iTXt/zTXt payloads
const maxInflatedText = 64 << 20

var (
	ErrNotPNG         = errors.New("not a valid PNG file")
	ErrTruncatedChunk = errors.New("truncated PNG chunk")
)

// walkPngChunks calls fn with every chunk after the signature until fn
// returns false, the IEND chunk is reached, or the data ends. Every slice is
// bounds checked so malformed files only ever produce an error.
func walkPngChunks(data []byte, fn func(chunkType string, payload []byte) bool) error {
	if len(data) < len(pngSignature) || !bytes.Equal(data[:len(pngSignature)], pngSignature) {
		return ErrNotPNG
	}

	pos := uint64(len(pngSignature))
	size := uint64(len(data))
	for pos < size {
		if pos+8 > size {
			return ErrTruncatedChunk
		}
		length := uint64(binary.BigEndian.Uint32(data[pos : pos+4]))
		chunkType := string(data[pos+4 : pos+8])
		end := pos + chunkOverhead + length
		if end > size {
			return ErrTruncatedChunk
		}
		if !fn(chunkType, data[pos+8:pos+8+length]) {
			return nil
		}
		if chunkType == "IEND" {
			return nil
		}
		pos = end
	}
	return nil
}

// splitKeyword splits a text chunk payload on its first NUL byte
func splitKeyword(payload []byte) (string, []byte, bool) {
	keywordEnd := bytes.IndexByte(payload, 0)
	if keywordEnd == -1 {
		return "", nil, false
	}
	return string(payload[:keywordEnd]), payload[keywordEnd+1:], true
}

func inflate(compressed []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedText+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflatedText {
		return nil, errors.New("text chunk too large")
	}
	return out, nil
}

// decodeZTXt decodes keyword, compression method, zlib data
func decodeZTXt(payload []byte) (string, string, bool) {
	keyword, rest, ok := splitKeyword(payload)
	if !ok || len(rest) < 1 || rest[0] != 0 {
		return "", "", false
	}
	text, err := inflate(rest[1:])
	if err != nil {
		return "", "", false
	}
	return keyword, string(text), true
}

// decodeITXt decodes keyword, compression flag, compression method,
// language tag, translated keyword, then the (optionally zlib) text
func decodeITXt(payload []byte) (string, string, bool) {
	keyword, rest, ok := splitKeyword(payload)
	if !ok || len(rest) < 2 {
		return "", "", false
	}
	compressed := rest[0] == 1
	if compressed && rest[1] != 0 {
		return "", "", false
	}
	rest = rest[2:]
	_, rest, ok = splitKeyword(rest) // language tag
	if !ok {
		return "", "", false
	}
	_, rest, ok = splitKeyword(rest) // translated keyword
	if !ok {
		return "", "", false
	}
	if !compressed {
		return keyword, string(rest), true
	}
	text, err := inflate(rest)
	if err != nil {
		return "", "", false
	}
	return keyword, string(text), true
}

// GetPngMetadata returns the keyword/value pairs of every tEXt, zTXt and iTXt
// chunk. Chunks that fail to decode are skipped; a truncated file returns
// what was read before the damage along with the error.
func GetPngMetadata(data []byte) (map[string]string, error) {
	txtChunks := make(map[string]string)
	err := walkPngChunks(data, func(chunkType string, payload []byte) bool {
		var keyword, value string
		ok := false
		switch chunkType {
		case "tEXt":
			var v []byte
			keyword, v, ok = splitKeyword(payload)
			value = string(v)
		case "zTXt":
			keyword, value, ok = decodeZTXt(payload)
		case "iTXt":
			keyword, value, ok = decodeITXt(payload)
		}
		if ok {
			if _, exists := txtChunks[keyword]; !exists {
				txtChunks[keyword] = value
			}
		}
		return true
	})
	return txtChunks, err
}
