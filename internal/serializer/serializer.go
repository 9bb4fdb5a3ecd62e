// Package serializer turns a batch of masked records into artifact bytes.
// JSON artifacts are a single top-level array; CSV artifacts carry a header
// row with the sorted union of all scalar keys seen in the batch, with
// nested values stringified as compact JSON. An optional compression stage
// wraps the serialized bytes in gzip, brotli or zip.
package serializer

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// Serialization formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Compression formats.
const (
	CompressGzip   = "gzip"
	CompressBrotli = "brotli"
	CompressZip    = "zip"
)

// Compression mirrors the compression configuration group. FileSize is the
// minimum uncompressed artifact size in bytes — smaller artifacts are
// uploaded uncompressed regardless of Enabled.
type Compression struct {
	Enabled  bool   `yaml:"enabled"`
	Format   string `yaml:"format"`
	Level    int    `yaml:"level"`
	FileSize int    `yaml:"fileSize"`
}

// Validate reports configuration errors as plain strings.
func (c *Compression) Validate() []string {
	var errs []string
	if !c.Enabled {
		return nil
	}
	switch c.Format {
	case CompressGzip, CompressBrotli, CompressZip:
	default:
		errs = append(errs, fmt.Sprintf("compression.format must be gzip, brotli or zip, got %q", c.Format))
	}
	if c.Level < 1 || c.Level > 9 {
		errs = append(errs, fmt.Sprintf("compression.level must be within 1..9, got %d", c.Level))
	}
	if c.FileSize < 0 {
		errs = append(errs, fmt.Sprintf("compression.fileSize must be non-negative, got %d", c.FileSize))
	}
	return errs
}

// Ext returns the bare file extension for a serialization format.
func Ext(format string) string {
	if format == FormatCSV {
		return "csv"
	}
	return "json"
}

// ContentType returns the MIME type for a serialization format.
func ContentType(format string) string {
	if format == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// CompressionExt maps a compression format to its artifact name suffix.
func CompressionExt(format string) string {
	switch format {
	case CompressGzip:
		return "gz"
	case CompressBrotli:
		return "br"
	case CompressZip:
		return "zip"
	default:
		return ""
	}
}

// Serialize encodes the batch in the requested format. An empty batch
// produces a valid empty artifact (empty JSON array, or just a newline-free
// empty CSV body) so empty windows still yield a well-formed file.
func Serialize(records []map[string]any, format string) ([]byte, error) {
	switch format {
	case FormatCSV:
		return serializeCSV(records)
	case FormatJSON, "":
		return serializeJSON(records)
	default:
		return nil, fmt.Errorf("serializer: unsupported format %q", format)
	}
}

func serializeJSON(records []map[string]any) ([]byte, error) {
	if records == nil {
		records = []map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(records); err != nil {
		return nil, fmt.Errorf("serializer: encode json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func serializeCSV(records []map[string]any) ([]byte, error) {
	header := csvHeader(records)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("serializer: write csv header: %w", err)
	}
	for _, rec := range records {
		row := make([]string, len(header))
		for i, key := range header {
			row[i] = csvCell(rec[key])
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("serializer: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("serializer: flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// csvHeader is the sorted union of keys across the batch. Sorting makes the
// column order stable across runs regardless of record field ordering.
func csvHeader(records []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for key := range rec {
			seen[key] = struct{}{}
		}
	}
	header := make([]string, 0, len(seen))
	for key := range seen {
		header = append(header, key)
	}
	sort.Strings(header)
	return header
}

func csvCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		// Nested maps and slices are stringified as compact JSON.
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// Compress wraps data in the configured compression format and returns the
// compressed bytes together with the artifact name suffix. Data below the
// FileSize threshold is returned unchanged with an empty suffix. entryName
// names the inner file for zip archives.
func Compress(data []byte, cfg Compression, entryName string) ([]byte, string, error) {
	if !cfg.Enabled || len(data) < cfg.FileSize {
		return data, "", nil
	}

	var buf bytes.Buffer
	switch cfg.Format {
	case CompressGzip:
		level := cfg.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		zw, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, "", fmt.Errorf("serializer: gzip writer: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, "", fmt.Errorf("serializer: gzip write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", fmt.Errorf("serializer: gzip close: %w", err)
		}

	case CompressBrotli:
		level := cfg.Level
		if level == 0 {
			level = brotli.DefaultCompression
		}
		bw := brotli.NewWriterLevel(&buf, level)
		if _, err := bw.Write(data); err != nil {
			return nil, "", fmt.Errorf("serializer: brotli write: %w", err)
		}
		if err := bw.Close(); err != nil {
			return nil, "", fmt.Errorf("serializer: brotli close: %w", err)
		}

	case CompressZip:
		zw := zip.NewWriter(&buf)
		entry, err := zw.Create(entryName)
		if err != nil {
			return nil, "", fmt.Errorf("serializer: zip entry: %w", err)
		}
		if _, err := entry.Write(data); err != nil {
			return nil, "", fmt.Errorf("serializer: zip write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", fmt.Errorf("serializer: zip close: %w", err)
		}

	default:
		return nil, "", fmt.Errorf("serializer: unsupported compression format %q", cfg.Format)
	}

	return buf.Bytes(), CompressionExt(cfg.Format), nil
}
