package metadata

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"orchestd/pkg/types"
)

// safetensors layout: u64 little-endian header length, then that many bytes
// of JSON mapping tensor names to dtype/shape/offsets, plus an optional
// "__metadata__" string map.
const maxSafetensorsHeader = 64 << 20

func extractSafetensors(path string) (*types.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseSafetensors(f)
}

func parseSafetensors(r io.Reader) (*types.Metadata, error) {
	var hlen uint64
	if err := binary.Read(r, binary.LittleEndian, &hlen); err != nil {
		return nil, fmt.Errorf("safetensors header length: %w", err)
	}
	if hlen == 0 || hlen > maxSafetensorsHeader {
		return nil, fmt.Errorf("safetensors: implausible header length %d", hlen)
	}
	buf := make([]byte, hlen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("safetensors header: %w", err)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(buf, &header); err != nil {
		return nil, fmt.Errorf("safetensors header json: %w", err)
	}

	md := &types.Metadata{}
	for key, raw := range header {
		if key == "__metadata__" {
			var meta map[string]string
			if err := json.Unmarshal(raw, &meta); err == nil {
				if v := meta["architecture"]; v != "" {
					md.Architecture = v
				}
				if v := meta["format"]; v != "" && md.Quantization == "" {
					md.Quantization = v
				}
			}
			continue
		}
		md.TensorCount++
	}
	return md, nil
}
