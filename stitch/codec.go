package stitch

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// MarshalJSON encodes the part as ["key", size].
func (p Part) MarshalJSON() ([]byte, error) {
	return jsonCodec.Marshal([]any{p.Key, p.Size})
}

// UnmarshalJSON decodes a part from ["key", size].
func (p *Part) UnmarshalJSON(data []byte) error {
	var raw []jsoniter.RawMessage
	if err := jsonCodec.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("part: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("part: want [key, size], got %d elements", len(raw))
	}
	var key string
	if err := jsonCodec.Unmarshal(raw[0], &key); err != nil {
		return fmt.Errorf("part key: %w", err)
	}
	var size int64
	if err := jsonCodec.Unmarshal(raw[1], &size); err != nil {
		return fmt.Errorf("part size: %w", err)
	}
	if size < 0 {
		return fmt.Errorf("part %q: negative size %d", key, size)
	}
	p.Key, p.Size = key, size
	return nil
}

// EncodeManifest serializes m. iteration and maxFileSize are omitted when zero.
func EncodeManifest(m *Manifest) ([]byte, error) {
	return jsonCodec.Marshal(m)
}

// DecodeManifest parses a manifest document. Malformed JSON, documents
// missing required fields and an explicit non-positive maxFileSize are
// reported as *ConfigError.
func DecodeManifest(data []byte) (*Manifest, error) {
	var probe map[string]jsoniter.RawMessage
	if err := jsonCodec.Unmarshal(bytes.TrimSpace(data), &probe); err != nil {
		return nil, &ConfigError{Field: "manifest", Err: err}
	}
	for _, field := range []string{"fileCount", "source", "target"} {
		if _, ok := probe[field]; !ok {
			return nil, configErrorf("manifest."+field, "is required")
		}
	}

	var m Manifest
	if err := jsonCodec.Unmarshal(data, &m); err != nil {
		return nil, &ConfigError{Field: "manifest", Err: err}
	}
	if _, ok := probe["maxFileSize"]; ok && m.MaxFileSize <= 0 {
		return nil, configErrorf("manifest.maxFileSize", "must be positive when set, got %d", m.MaxFileSize)
	}
	return &m, nil
}

// EncodeJob serializes a dispatch payload.
func EncodeJob(job Job) ([]byte, error) {
	if job.Parts == nil {
		job.Parts = []Part{}
	}
	return jsonCodec.Marshal(job)
}

// DecodeJob parses a dispatch payload.
func DecodeJob(data []byte) (Job, error) {
	var job Job
	if err := jsonCodec.Unmarshal(data, &job); err != nil {
		return Job{}, &ConfigError{Field: "job", Err: err}
	}
	if job.Destination == "" {
		return Job{}, configErrorf("job.destination", "is required")
	}
	return job, nil
}
