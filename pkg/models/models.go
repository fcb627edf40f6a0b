// Package models implements ModelManager: enumeration, identification, and
// validation of model files on disk.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/modelcore/runtime/pkg/config"
	"github.com/modelcore/runtime/pkg/coreerrors"
)

// Format identifies a model's on-disk binary format.
type Format string

const (
	FormatGGUF Format = "gguf"
	FormatONNX Format = "onnx"
)

// Info is the identity of a model on disk. Created by Manager on discovery
// and immutable thereafter; equality is by ID.
type Info struct {
	ID         string
	Name       string
	Path       string
	Format     Format
	SizeBytes  int64
	ModifiedAt time.Time
	Checksum   string // empty until computed
}

// ValidationResult mirrors the spec's boolean-flag validation report.
type ValidationResult struct {
	FileReadable bool
	FormatValid  bool
	SizeValid    bool
	SecurityValid bool
	MetadataValid bool
	Metadata      Metadata
	ChecksumValid *bool // nil means "not checked"
	Errors        []string
	Warnings      []string
}

// IsValid is the conjunction of every flag that is present (ChecksumValid
// counts as true when nil, i.e. not evaluated).
func (v *ValidationResult) IsValid() bool {
	checksumOK := true
	if v.ChecksumValid != nil {
		checksumOK = *v.ChecksumValid
	}
	return v.FileReadable && v.FormatValid && v.SizeValid && v.SecurityValid && v.MetadataValid && checksumOK
}

func (v *ValidationResult) addError(msg string) {
	v.Errors = append(v.Errors, msg)
}

func (v *ValidationResult) addWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

// Manager implements ModelManager over a single models_dir.
type Manager struct {
	cfg config.ModelManagerConfig
}

// New constructs a Manager. cfg.Defaults() should already have been applied.
func New(cfg config.ModelManagerConfig) *Manager {
	return &Manager{cfg: cfg}
}

func idForPath(path string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(path)))
	return hex.EncodeToString(sum[:])[:16]
}

func (m *Manager) allowedExtension(ext string) bool {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	for _, a := range m.cfg.AllowedExtensions {
		if strings.EqualFold(a, ext) {
			return true
		}
	}
	return false
}

// ListModels enumerates files directly under models_dir matching an
// allowed extension. It never recurses into symlinked directories.
func (m *Manager) ListModels() ([]Info, error) {
	entries, err := os.ReadDir(m.cfg.ModelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerrors.Wrap(coreerrors.Persistence, "ModelManager.list_models", "reading models directory", err)
	}

	var out []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if !m.allowedExtension(ext) {
			continue
		}
		path := filepath.Join(m.cfg.ModelsDir, entry.Name())
		info, err := m.describe(path)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (m *Manager) describe(path string) (Info, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	var format Format
	switch ext {
	case "gguf":
		format = FormatGGUF
	case "onnx":
		format = FormatONNX
	default:
		return Info{}, fmt.Errorf("unrecognized extension %q", ext)
	}
	return Info{
		ID:         idForPath(path),
		Name:       strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path:       path,
		Format:     format,
		SizeBytes:  stat.Size(),
		ModifiedAt: stat.ModTime(),
	}, nil
}

// ResolveModel accepts either a filesystem path or a bare name resolved
// against models_dir, with extension fallback in the order {.gguf, .onnx}.
// Unrecognized extensions are rejected (see SPEC_FULL.md Open Question 1).
func (m *Manager) ResolveModel(nameOrPath string) (Info, error) {
	candidate := nameOrPath
	if !filepath.IsAbs(candidate) {
		if _, err := os.Stat(candidate); err != nil {
			candidate = filepath.Join(m.cfg.ModelsDir, nameOrPath)
		}
	}

	if _, err := os.Stat(candidate); err == nil {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(candidate)), ".")
		if ext != "gguf" && ext != "onnx" {
			return Info{}, coreerrors.New(coreerrors.Validation, "ModelManager.resolve_model", fmt.Sprintf("unrecognized extension %q", ext))
		}
		return m.describe(candidate)
	}

	for _, ext := range []string{"gguf", "onnx"} {
		try := filepath.Join(m.cfg.ModelsDir, nameOrPath+"."+ext)
		if _, err := os.Stat(try); err == nil {
			return m.describe(try)
		}
	}

	return Info{}, coreerrors.New(coreerrors.NotFound, "ModelManager.resolve_model", fmt.Sprintf("no model found for %q", nameOrPath))
}

// ComputeChecksum computes SHA-256 over the entire file, streamed in 8 KiB
// chunks, rendered as lowercase hex.
func (m *Manager) ComputeChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 8*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksumSidecar reads "<path>.sha256" if present and compares its
// hex digest against the computed checksum of path. Returns (nil, nil) if
// no sidecar exists (checksum not evaluated).
func (m *Manager) VerifyChecksumSidecar(path string) (*bool, error) {
	sidecar := path + ".sha256"
	data, err := os.ReadFile(sidecar)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(strings.TrimSpace(string(data)))
	got, err := m.ComputeChecksum(path)
	if err != nil {
		return nil, err
	}
	ok := want == got
	return &ok, nil
}

var securityBannedSubstrings = []string{
	"..", "~", "$", "`", ";", "|", "&", "<", ">", "\\",
	"script", "exec", "eval", "system",
}

var scriptSignatures = [][]byte{
	[]byte("#!/bin/"), []byte("#!/usr/"), []byte("<script"),
	[]byte("javascript:"), []byte("python"), []byte("exec("),
}

// securityScreen applies the filename and content screen from SPEC_FULL.md
// §4.B. It returns a non-nil error describing the first violation found.
func securityScreen(path string) error {
	name := filepath.Base(path)
	lower := strings.ToLower(name)
	for _, banned := range securityBannedSubstrings {
		if strings.Contains(lower, strings.ToLower(banned)) {
			return fmt.Errorf("filename contains disallowed token %q", banned)
		}
	}

	if runtime.GOOS != "windows" {
		stat, err := os.Stat(path)
		if err == nil {
			if stat.Mode()&0111 != 0 {
				return fmt.Errorf("file has an executable permission bit set")
			}
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 4096)
	n, _ := io.ReadFull(f, buf)
	head := buf[:n]
	for _, sig := range scriptSignatures {
		if len(head) >= len(sig) && string(head[:len(sig)]) == string(sig) {
			return fmt.Errorf("file content begins with a disallowed script signature")
		}
	}
	return nil
}

func containsBytes(haystack, needle []byte) bool {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// ValidateModelComprehensive runs the full validation pipeline described in
// SPEC_FULL.md §4.B and returns every flag, error, and warning collected.
func (m *Manager) ValidateModelComprehensive(path string, backendCfg *config.BackendConfig) (*ValidationResult, error) {
	result := &ValidationResult{}

	stat, err := os.Stat(path)
	if err != nil {
		result.addError(fmt.Sprintf("file not readable: %v", err))
		return result, nil
	}
	result.FileReadable = true

	maxBytes := int64(m.cfg.MaxModelSizeGB * 1024 * 1024 * 1024)
	if maxBytes > 0 && stat.Size() > maxBytes {
		result.addError(fmt.Sprintf("file size %d exceeds max_model_size_gb bound", stat.Size()))
	} else {
		result.SizeValid = true
	}

	if err := securityScreen(path); err != nil {
		result.addError(fmt.Sprintf("security screen failed: %v", err))
	} else {
		result.SecurityValid = true
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	formatOK, formatErr := validateFormat(path, ext)
	if formatErr != nil {
		result.addError(formatErr.Error())
	} else if !formatOK {
		result.addError("file does not match its format's on-disk signature")
	} else {
		result.FormatValid = true
		switch ext {
		case "gguf":
			// gguf-parser-go reads the full tensor/KV header; a signature
			// match that fails to parse here means the file is truncated
			// or corrupt beyond the 8-byte check above.
			md, mdErr := ExtractGGUFMetadata(path)
			if mdErr != nil {
				result.addWarning(fmt.Sprintf("gguf metadata extraction failed: %v", mdErr))
			} else {
				result.Metadata = md
				result.MetadataValid = true
			}
		default:
			// No metadata parser available for this format; the signature
			// check already ran, so don't penalize it for lacking one.
			result.MetadataValid = true
		}
	}

	if ok, err := m.VerifyChecksumSidecar(path); err != nil {
		result.addWarning(fmt.Sprintf("could not verify checksum sidecar: %v", err))
	} else {
		result.ChecksumValid = ok
	}

	if backendCfg != nil {
		for _, w := range backendCfg.Validate() {
			result.addWarning(w)
		}
	}

	return result, nil
}
