// Package document is the boundary between stored bytes and structured documents.
// The engine never looks inside a document; it only hands bytes to an Encoding.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Document is a decoded JSON value: map[string]interface{}, []interface{}, string,
// float64, json.Number, bool or nil
type Document = interface{}

// Encoding converts documents to and from their stored text form
type Encoding interface {
	Encode(doc Document) ([]byte, error)
	Decode(data []byte) (Document, error)
}

// DecodeError is returned when stored bytes are not valid UTF-8 or not well formed JSON
type DecodeError struct {
	Key uint64
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed decoding document for key %d: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// JSON is the default Encoding. Numbers are decoded as json.Number so that integer
// ids survive a round trip without becoming float64
type JSON struct{}

var _ Encoding = JSON{}

func (JSON) Encode(doc Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}

	return data, nil
}

func (JSON) Decode(data []byte) (Document, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("document is not valid utf-8")
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var doc Document
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("document is not well formed json: %w", err)
	}

	if decoder.More() {
		return nil, fmt.Errorf("document is not well formed json: trailing data after value")
	}

	return doc, nil
}
