package kb

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// SupportedExtensions lists the document types the engine can ingest.
var SupportedExtensions = []string{".txt", ".md", ".csv", ".pdf"}

// Supported reports whether path has an ingestable extension.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// LoadFile extracts the plain text of a document.
func LoadFile(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md":
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		return string(raw), nil
	case ".csv":
		return loadCSV(path)
	case ".pdf":
		return loadPDF(path)
	default:
		return "", fmt.Errorf("unsupported file type: %s", filepath.Ext(path))
	}
}

// loadCSV renders each row as one "header: value" line block so retrieval
// hits keep their column context.
func loadCSV(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var header []string
	var sb strings.Builder
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse csv %s: %w", path, err)
		}
		if header == nil {
			header = record
			continue
		}
		for i, field := range record {
			name := fmt.Sprintf("col%d", i+1)
			if i < len(header) {
				name = header[i]
			}
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(field)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func loadPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract pdf text from %s: %w", path, err)
	}
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("failed to read pdf text from %s: %w", path, err)
	}
	return buf.String(), nil
}
