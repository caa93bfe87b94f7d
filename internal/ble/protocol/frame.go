package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
)

var (
	// ErrNoResponse marks a notification that carried nothing once cleaned.
	// The notify characteristic fires with empty values during subscription
	// setup; callers ignore these.
	ErrNoResponse = errors.New("protocol: empty notification")

	// ErrMalformedResponse marks a notification without a parseable JSON object.
	ErrMalformedResponse = errors.New("protocol: malformed response")
)

// Frame is a raw characteristic value.
type Frame []byte

// Base64 returns the transport encoding of the frame.
func (f Frame) Base64() string {
	return base64.StdEncoding.EncodeToString(f)
}

// FrameFromBase64 parses a base64 transport value.
func FrameFromBase64(s string) (Frame, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("protocol: base64: %w", err)
	}
	return Frame(b), nil
}

// EncodeFrame serializes a command to compact UTF-8 JSON. There is no length
// prefix or checksum; one frame is one characteristic write.
func EncodeFrame(cmd Command) (Frame, error) {
	b, err := cmd.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return Frame(b), nil
}

// Encode serializes a command and returns its base64 transport encoding.
func Encode(cmd Command) (string, error) {
	f, err := EncodeFrame(cmd)
	if err != nil {
		return "", err
	}
	return f.Base64(), nil
}

// Decode base64-decodes a transport value and extracts its JSON object.
// See DecodeFrame for the extraction rules.
func Decode(value string) (map[string]any, error) {
	f, err := FrameFromBase64(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return DecodeFrame(f)
}

// DecodeFrame extracts the JSON object carried by a notification value.
//
// Invalid UTF-8, NUL bytes and C0/C1 control characters are stripped and the
// text trimmed. Empty text yields ErrNoResponse. Otherwise the substring from
// the first '{' to the last '}' is parsed; a missing or inverted pair, or a
// parse failure, yields ErrMalformedResponse.
func DecodeFrame(f Frame) (map[string]any, error) {
	text := sanitize(f)
	if text == "" {
		return nil, ErrNoResponse
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in %q", ErrMalformedResponse, text)
	}

	payload, err := parseObject(text[start : end+1])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return payload, nil
}

func sanitize(b []byte) string {
	s := strings.ToValidUTF8(string(b), "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// parseObject decodes exactly one JSON object, keeping numbers as json.Number.
func parseObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after object")
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}
