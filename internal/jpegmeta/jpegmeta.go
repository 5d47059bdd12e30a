// Package jpegmeta embeds and recovers reading metadata in JPEG files.
//
// A JPEG decoder stops at the end-of-image marker, so anything appended
// after it is invisible to viewers but travels with the file. The
// package writes a private four-byte marker after the EOI and follows
// it with a JSON document describing the capture. Extract searches for
// the combined EOI+marker sequence and decodes whatever follows it.
package jpegmeta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// eoi is the JPEG end-of-image marker.
var eoi = []byte{0xFF, 0xD9}

// privateMarker follows the EOI and introduces the embedded document.
// 0x7B is '{', so a naive text search for the JSON start still works.
var privateMarker = []byte{0xFF, 0xFF, 0xFF, 0x7B}

var (
	// ErrMissingEOI means the input does not end with a JPEG EOI marker.
	ErrMissingEOI = errors.New("jpegmeta: image does not end with EOI marker")

	// ErrEmptyText means there is no document to embed.
	ErrEmptyText = errors.New("jpegmeta: empty metadata text")

	// ErrNoMetadata means the image carries no embedded document.
	ErrNoMetadata = errors.New("jpegmeta: no embedded metadata")

	// ErrCorruptMetadata means a marker was found but the bytes after it
	// do not decode as a metadata document.
	ErrCorruptMetadata = errors.New("jpegmeta: corrupt embedded metadata")
)

// Metadata is the capture record embedded in each archived image.
type Metadata struct {
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
	Timestamp  int64  `json:"timestamp"`
	Text       string `json:"text"`
}

// Append returns a new buffer holding img followed by the private
// marker and text. The input slice is never modified. The image must
// end with the EOI marker and text must be non-empty.
func Append(img []byte, text []byte) ([]byte, error) {
	if !bytes.HasSuffix(img, eoi) {
		return nil, ErrMissingEOI
	}
	if len(text) == 0 {
		return nil, ErrEmptyText
	}

	out := make([]byte, 0, len(img)+len(privateMarker)+len(text))
	out = append(out, img...)
	out = append(out, privateMarker...)
	out = append(out, text...)
	return out, nil
}

// AppendMetadata marshals m and embeds it after the image's EOI marker.
func AppendMetadata(img []byte, m Metadata) ([]byte, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("jpegmeta: marshal metadata: %w", err)
	}
	return Append(img, doc)
}

// Extract locates the embedded document in buf and decodes it.
//
// The search key is the six-byte EOI+marker sequence, not the marker
// alone: the marker bytes can occur inside entropy-coded image data,
// but only the combined sequence identifies the document boundary.
func Extract(buf []byte) (Metadata, error) {
	key := make([]byte, 0, len(eoi)+len(privateMarker))
	key = append(key, eoi...)
	key = append(key, privateMarker...)

	i := bytes.Index(buf, key)
	if i < 0 {
		return Metadata{}, ErrNoMetadata
	}

	doc := buf[i+len(key):]

	var m Metadata
	if err := json.Unmarshal(doc, &m); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	return m, nil
}
