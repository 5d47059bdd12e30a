package jpegmeta

import (
	"bytes"
	"errors"
	"testing"
)

// minimalJPEG is not a decodable image, just a byte stream with the
// structure the package cares about: some payload ending in EOI.
func minimalJPEG() []byte {
	return []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}
}

func TestAppend_Validation(t *testing.T) {
	tests := []struct {
		name    string
		img     []byte
		text    []byte
		wantErr error
	}{
		{name: "no EOI suffix", img: []byte{0xFF, 0xD8, 0x01}, text: []byte(`{"a":1}`), wantErr: ErrMissingEOI},
		{name: "empty image", img: nil, text: []byte(`{"a":1}`), wantErr: ErrMissingEOI},
		{name: "EOI bytes reversed", img: []byte{0xFF, 0xD8, 0xD9, 0xFF}, text: []byte(`{"a":1}`), wantErr: ErrMissingEOI},
		{name: "empty text", img: minimalJPEG(), text: nil, wantErr: ErrEmptyText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Append(tt.img, tt.text)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Append() error = %v, want %v", err, tt.wantErr)
			}
			if got != nil {
				t.Fatalf("Append() returned %d bytes on error, want nil", len(got))
			}
		})
	}
}

func TestAppend_LeavesInputUntouched(t *testing.T) {
	img := minimalJPEG()
	before := bytes.Clone(img)

	out, err := Append(img, []byte(`{"text":"42"}`))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if !bytes.Equal(img, before) {
		t.Fatal("Append() modified the input image")
	}
	if !bytes.HasPrefix(out, img) {
		t.Fatal("output does not start with the original image bytes")
	}
	wantLen := len(img) + 4 + len(`{"text":"42"}`)
	if len(out) != wantLen {
		t.Fatalf("output length = %d, want %d", len(out), wantLen)
	}
}

func TestAppend_FailedAppendLeavesNoMetadata(t *testing.T) {
	img := []byte{0xFF, 0xD8, 0x01} // truncated, no EOI
	if _, err := Append(img, []byte(`{"a":1}`)); err == nil {
		t.Fatal("Append() succeeded on truncated image")
	}
	if _, err := Extract(img); !errors.Is(err, ErrNoMetadata) {
		t.Fatalf("Extract() after failed append = %v, want ErrNoMetadata", err)
	}
}

func TestRoundTrip(t *testing.T) {
	m := Metadata{
		DeviceID:   "device1",
		DeviceType: "water",
		Timestamp:  1700000000,
		Text:       "12345.6",
	}

	out, err := AppendMetadata(minimalJPEG(), m)
	if err != nil {
		t.Fatalf("AppendMetadata() error = %v", err)
	}

	got, err := Extract(out)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != m {
		t.Fatalf("Extract() = %+v, want %+v", got, m)
	}
}

func TestRoundTrip_TextNA(t *testing.T) {
	m := Metadata{DeviceID: "1", DeviceType: "gas", Timestamp: 1, Text: "N/A"}

	out, err := AppendMetadata(minimalJPEG(), m)
	if err != nil {
		t.Fatalf("AppendMetadata() error = %v", err)
	}
	got, err := Extract(out)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got.Text != "N/A" {
		t.Fatalf("Text = %q, want %q", got.Text, "N/A")
	}
}

func TestExtract_Errors(t *testing.T) {
	withCorrupt := append(minimalJPEG(), 0xFF, 0xFF, 0xFF, 0x7B)
	withCorrupt = append(withCorrupt, []byte(`"device_id": oops`)...)

	tests := []struct {
		name    string
		buf     []byte
		wantErr error
	}{
		{name: "plain image", buf: minimalJPEG(), wantErr: ErrNoMetadata},
		{name: "empty buffer", buf: nil, wantErr: ErrNoMetadata},
		{name: "marker without EOI prefix", buf: []byte{0x01, 0xFF, 0xFF, 0xFF, 0x7B, '{', '}'}, wantErr: ErrNoMetadata},
		{name: "garbage after marker", buf: withCorrupt, wantErr: ErrCorruptMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(tt.buf)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Extract() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExtract_MarkerBytesInsideImageData(t *testing.T) {
	// The four marker bytes can legitimately occur inside the
	// entropy-coded stream. Only EOI followed by the marker counts.
	img := []byte{0xFF, 0xD8, 0xFF, 0xFF, 0xFF, 0x7B, 0x00, 0xFF, 0xD9}
	if _, err := Extract(img); !errors.Is(err, ErrNoMetadata) {
		t.Fatalf("Extract() = %v, want ErrNoMetadata", err)
	}

	out, err := AppendMetadata(img, Metadata{DeviceID: "2", Timestamp: 5, Text: "7"})
	if err != nil {
		t.Fatalf("AppendMetadata() error = %v", err)
	}
	got, err := Extract(out)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got.DeviceID != "2" || got.Text != "7" {
		t.Fatalf("Extract() = %+v", got)
	}
}
