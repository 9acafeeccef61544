package stitch

import (
	"errors"
	"strings"
	"testing"
)

func TestPartJSON(t *testing.T) {
	data, err := jsonCodec.Marshal(Part{Key: "src/0001.json", Size: 42})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `["src/0001.json",42]` {
		t.Errorf("encoded = %s", data)
	}

	var p Part
	if err := jsonCodec.Unmarshal([]byte(`["a/b.json", 7]`), &p); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p != (Part{Key: "a/b.json", Size: 7}) {
		t.Errorf("decoded = %+v", p)
	}
}

func TestPartJSON_Invalid(t *testing.T) {
	for _, in := range []string{
		`{"key": "a", "size": 1}`,
		`["a"]`,
		`["a", 1, 2]`,
		`[1, 1]`,
		`["a", "big"]`,
		`["a", -1]`,
	} {
		var p Part
		if err := jsonCodec.Unmarshal([]byte(in), &p); err == nil {
			t.Errorf("decode %s: expected error", in)
		}
	}
}

func TestEncodeManifest_OmitsZeroFields(t *testing.T) {
	data, err := EncodeManifest(&Manifest{FileCount: 2, Source: "b", Target: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "iteration") || strings.Contains(string(data), "maxFileSize") {
		t.Errorf("zero fields should be omitted: %s", data)
	}

	data, _ = EncodeManifest(&Manifest{FileCount: 2, Source: "b_1", Target: "t", MaxFileSize: 400, Iteration: 1})
	m, err := DecodeManifest(data)
	if err != nil {
		t.Fatalf("DecodeManifest failed: %v", err)
	}
	if m.Iteration != 1 || m.MaxFileSize != 400 {
		t.Errorf("decoded = %+v", *m)
	}
}

func TestDecodeManifest_ZeroFileCountIsPresent(t *testing.T) {
	m, err := DecodeManifest([]byte(`{"fileCount": 0, "source": "b", "target": "t"}`))
	if err != nil {
		t.Fatalf("DecodeManifest failed: %v", err)
	}
	if m.FileCount != 0 {
		t.Errorf("FileCount = %d", m.FileCount)
	}
}

func TestDecodeManifest_ExplicitCeiling(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}{
		{"omitted", `{"fileCount": 2, "source": "z", "target": "t"}`, 0, false},
		{"positive", `{"fileCount": 2, "source": "z", "target": "t", "maxFileSize": 4096}`, 4096, false},
		{"zero", `{"fileCount": 2, "source": "z", "target": "t", "maxFileSize": 0}`, 0, true},
		{"negative", `{"fileCount": 2, "source": "z", "target": "t", "maxFileSize": -1}`, 0, true},
		{"null", `{"fileCount": 2, "source": "z", "target": "t", "maxFileSize": null}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DecodeManifest([]byte(tt.in))
			if tt.wantErr {
				var ce *ConfigError
				if !errors.As(err, &ce) || ce.Field != "manifest.maxFileSize" {
					t.Fatalf("expected ConfigError on manifest.maxFileSize, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeManifest failed: %v", err)
			}
			if m.MaxFileSize != tt.want {
				t.Errorf("MaxFileSize = %d, want %d", m.MaxFileSize, tt.want)
			}
		})
	}
}

func TestDecodeManifest_WrongTypes(t *testing.T) {
	_, err := DecodeManifest([]byte(`{"fileCount": "three", "source": "b", "target": "t"}`))
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestJobPayload(t *testing.T) {
	job := Job{Destination: "out/final.json", Parts: []Part{{Key: "a.json", Size: 1}, {Key: "b.json", Size: 2}}}
	data, err := EncodeJob(job)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"destination":"out/final.json","parts":[["a.json",1],["b.json",2]]}`
	if string(data) != want {
		t.Errorf("payload = %s, want %s", data, want)
	}

	got, err := DecodeJob(data)
	if err != nil {
		t.Fatalf("DecodeJob failed: %v", err)
	}
	if got.Destination != job.Destination || len(got.Parts) != 2 || got.Parts[1] != job.Parts[1] {
		t.Errorf("decoded = %+v", got)
	}
}

func TestEncodeJob_NilParts(t *testing.T) {
	data, _ := EncodeJob(Job{Destination: "d"})
	if string(data) != `{"destination":"d","parts":[]}` {
		t.Errorf("payload = %s", data)
	}
}

func TestDecodeJob_Invalid(t *testing.T) {
	for _, in := range []string{
		`not json`,
		`{"parts": []}`,
		`{"destination": "d", "parts": [["a"]]}`,
	} {
		var ce *ConfigError
		if _, err := DecodeJob([]byte(in)); !errors.As(err, &ce) {
			t.Errorf("DecodeJob(%s): expected ConfigError, got %v", in, err)
		}
	}
}
