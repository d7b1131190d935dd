package metadata

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"orchestd/pkg/types"
)

// GGUF v3 header layout: magic "GGUF", u32 version, u64 tensor count,
// u64 kv count, then kv pairs of (string key, u32 type, value).
const ggufMagic = 0x46554747 // "GGUF" little-endian

// GGUF metadata value types.
const (
	ggufTypeUint8   = 0
	ggufTypeInt8    = 1
	ggufTypeUint16  = 2
	ggufTypeInt16   = 3
	ggufTypeUint32  = 4
	ggufTypeInt32   = 5
	ggufTypeFloat32 = 6
	ggufTypeBool    = 7
	ggufTypeString  = 8
	ggufTypeArray   = 9
	ggufTypeUint64  = 10
	ggufTypeInt64   = 11
	ggufTypeFloat64 = 12
)

// maxKVScan bounds how many kv pairs we walk; real files carry a few dozen.
const maxKVScan = 4096

// extractGGUF reads the GGUF key/value header without loading tensor data.
func extractGGUF(path string) (*types.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseGGUF(f)
}

func parseGGUF(r io.Reader) (*types.Metadata, error) {
	var hdr struct {
		Magic       uint32
		Version     uint32
		TensorCount uint64
		KVCount     uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("gguf header: %w", err)
	}
	if hdr.Magic != ggufMagic {
		return nil, fmt.Errorf("gguf: bad magic 0x%08x", hdr.Magic)
	}
	if hdr.Version < 2 || hdr.Version > 3 {
		return nil, fmt.Errorf("gguf: unsupported version %d", hdr.Version)
	}
	if hdr.KVCount > maxKVScan {
		return nil, fmt.Errorf("gguf: implausible kv count %d", hdr.KVCount)
	}

	md := &types.Metadata{TensorCount: hdr.TensorCount}
	for i := uint64(0); i < hdr.KVCount; i++ {
		key, err := readGGUFString(r)
		if err != nil {
			return nil, fmt.Errorf("gguf kv %d key: %w", i, err)
		}
		var vtype uint32
		if err := binary.Read(r, binary.LittleEndian, &vtype); err != nil {
			return nil, fmt.Errorf("gguf kv %q type: %w", key, err)
		}
		val, err := readGGUFValue(r, vtype)
		if err != nil {
			return nil, fmt.Errorf("gguf kv %q value: %w", key, err)
		}
		applyGGUFKV(md, key, val)
	}
	return md, nil
}

// applyGGUFKV maps the handful of keys we care about onto the record.
func applyGGUFKV(md *types.Metadata, key string, val any) {
	switch {
	case key == "general.architecture":
		if s, ok := val.(string); ok {
			md.Architecture = s
		}
	case key == "general.parameter_count":
		md.ParameterCount = asUint64(val)
	case key == "general.file_type":
		if md.Quantization == "" {
			md.Quantization = fmt.Sprintf("ft%d", asUint64(val))
		}
	case key == "general.quantization_version":
		// informational only
	case strings.HasSuffix(key, ".context_length"):
		md.ContextLength = asUint64(val)
	case key == "tokenizer.ggml.model":
		if s, ok := val.(string); ok {
			md.TokenizerKind = s
		}
	}
}

func asUint64(val any) uint64 {
	switch v := val.(type) {
	case uint64:
		return v
	case int64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	}
	return 0
}

func readGGUFString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<20 {
		return "", fmt.Errorf("string length %d too large", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readGGUFValue decodes one value. Numeric types normalize to uint64/int64/
// float64; arrays decode element-wise but return only their length since no
// consumer inspects array contents.
func readGGUFValue(r io.Reader, vtype uint32) (any, error) {
	switch vtype {
	case ggufTypeUint8:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufTypeInt8:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case ggufTypeUint16:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufTypeInt16:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case ggufTypeUint32:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufTypeInt32:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case ggufTypeFloat32:
		var v float32
		err := binary.Read(r, binary.LittleEndian, &v)
		return float64(v), err
	case ggufTypeBool:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v != 0, err
	case ggufTypeString:
		return readGGUFString(r)
	case ggufTypeUint64:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt64:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeFloat64:
		var v float64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeArray:
		var elemType uint32
		if err := binary.Read(r, binary.LittleEndian, &elemType); err != nil {
			return nil, err
		}
		var n uint64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		if n > 1<<24 {
			return nil, fmt.Errorf("array length %d too large", n)
		}
		for i := uint64(0); i < n; i++ {
			if _, err := readGGUFValue(r, elemType); err != nil {
				return nil, err
			}
		}
		return n, nil
	}
	return nil, fmt.Errorf("unknown value type %d", vtype)
}
