// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Filter is an orthogonal transform applied to stored results on write and
// reversed on read. Filters compose: encode in order, decode in reverse.
type Filter interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// GzipFilter compresses stored results.
type GzipFilter struct{}

// Encode gzips data.
func (GzipFilter) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode gunzips data.
func (GzipFilter) Decode(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// AESFilter encrypts stored results with AES-256-GCM. The nonce is
// prepended to the ciphertext.
type AESFilter struct {
	aead cipher.AEAD
}

// NewAESFilter creates a filter from a 32-byte key.
func NewAESFilter(key []byte) (*AESFilter, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESFilter{aead: aead}, nil
}

// Encode seals data with a fresh random nonce.
func (f *AESFilter) Encode(data []byte) ([]byte, error) {
	nonce := make([]byte, f.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return f.aead.Seal(nonce, nonce, data, nil), nil
}

// Decode opens a payload produced by Encode.
func (f *AESFilter) Decode(data []byte) ([]byte, error) {
	n := f.aead.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	return f.aead.Open(nil, data[:n], data[n:], nil)
}
