package models

import (
	"fmt"
	"os"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
)

// validateFormat applies the raw on-disk signature checks from
// SPEC_FULL.md §4.B. It does not fully parse the format, only validates its
// header shape.
func validateFormat(path, ext string) (bool, error) {
	switch ext {
	case "gguf":
		return validateGGUFSignature(path)
	case "onnx":
		return validateONNXSignature(path)
	default:
		return false, fmt.Errorf("unsupported extension %q", ext)
	}
}

func validateGGUFSignature(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 8)
	n, err := f.Read(buf)
	if err != nil || n < 8 {
		return false, fmt.Errorf("file too short to contain a GGUF header")
	}
	if string(buf[:4]) != "GGUF" {
		return false, nil
	}
	version := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
	if version < 1 || version > 10 {
		return false, nil
	}
	return true, nil
}

var onnxMarkers = [][]byte{[]byte("onnx"), []byte("model_proto"), []byte("GraphProto")}

func validateONNXSignature(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	if n < 4 {
		return false, fmt.Errorf("file too short to contain a protobuf header")
	}

	wireTypeOK := false
	limit := n
	if limit > 100 {
		limit = 100
	}
	for i := 0; i < limit; i++ {
		if buf[i]&0x07 <= 5 {
			wireTypeOK = true
			break
		}
	}
	if !wireTypeOK {
		return false, nil
	}

	head := buf[:n]
	for _, marker := range onnxMarkers {
		if containsBytes(head, marker) {
			return true, nil
		}
	}
	return false, nil
}

// Metadata enriches an Info with format-specific details beyond the raw
// signature check, consumed by validate_model_comprehensive's
// metadata_valid flag and for display purposes.
type Metadata struct {
	Architecture   string
	ParameterCount string
	Quantization   string
}

// ExtractGGUFMetadata parses the GGUF header via gguf-parser-go. It returns
// a zero Metadata (not an error) when the file parses but carries no
// architecture metadata, since metadata enrichment is best-effort.
func ExtractGGUFMetadata(path string) (Metadata, error) {
	gguf, err := parser.ParseGGUFFile(path)
	if err != nil {
		return Metadata{}, err
	}
	md := gguf.Metadata()
	return Metadata{
		Architecture:   strings.TrimSpace(md.Architecture),
		ParameterCount: strings.TrimSpace(md.Parameters.String()),
		Quantization:   strings.TrimSpace(md.FileType.String()),
	}, nil
}
