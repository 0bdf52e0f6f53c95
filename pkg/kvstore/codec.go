package kvstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// ErrUnknownCodec is returned by [CodecByName] for an unsupported name.
var ErrUnknownCodec = errors.New("unknown codec")

// Codec converts a document to and from its on-disk bytes.
type Codec interface {
	Name() string
	Marshal(doc map[string]any) ([]byte, error)
	Unmarshal(data []byte) (map[string]any, error)
}

// Built-in codecs.
var (
	JSON Codec = jsonCodec{}
	YAML Codec = yamlCodec{}
	CBOR Codec = newCBORCodec()
)

// CodecByName returns the codec called name: "json", "yaml" or "cbor".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "json", "jsonc":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	case "cbor":
		return CBOR, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// jsonCodec writes indented JSON and reads JSONC, so hand-edited files with
// comments or trailing commas still load. Comments are not preserved.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(doc map[string]any) ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)

	err := enc.Encode(doc)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (jsonCodec) Unmarshal(data []byte) (map[string]any, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var doc map[string]any

	err = json.Unmarshal(standardized, &doc)
	if err != nil {
		return nil, err
	}

	return doc, nil
}

type yamlCodec struct{}

func (yamlCodec) Name() string { return "yaml" }

func (yamlCodec) Marshal(doc map[string]any) ([]byte, error) {
	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	err := enc.Encode(doc)
	if err != nil {
		return nil, err
	}

	err = enc.Close()
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (yamlCodec) Unmarshal(data []byte) (map[string]any, error) {
	var doc map[string]any

	err := yaml.Unmarshal(data, &doc)
	if err != nil {
		return nil, err
	}

	return doc, nil
}

// cborCodec uses Core Deterministic Encoding, so the same document always
// produces identical bytes.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("kvstore: CBOR encoder initialization failed: " + err.Error())
	}

	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("kvstore: CBOR decoder initialization failed: " + err.Error())
	}

	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return "cbor" }

func (c cborCodec) Marshal(doc map[string]any) ([]byte, error) {
	return c.enc.Marshal(doc)
}

func (c cborCodec) Unmarshal(data []byte) (map[string]any, error) {
	var doc map[string]any

	err := c.dec.Unmarshal(data, &doc)
	if err != nil {
		return nil, err
	}

	return doc, nil
}
