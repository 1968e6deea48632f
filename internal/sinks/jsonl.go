// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package sinks provides append-only JSONL file logs for the gateway's
// internal events and per-request token usage, for audit and offline
// replay. Both sinks share one buffered writer; each adds its own record
// validation on top.
package sinks

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// jsonlFile is the shared append-only writer behind every sink in this
// package. Records buffer in memory and are flushed once the configured
// delay has passed since the last flush, bounding how much a crash can
// lose without paying a syscall per record.
type jsonlFile struct {
	mu         sync.Mutex
	f          *os.File
	enc        *json.Encoder
	buf        *bufWriter
	flushEvery time.Duration
	lastFlush  time.Time
}

// bufWriter is a minimal grow-only buffer between the encoder and the
// file; unlike bufio it never writes through on its own, so flush timing
// stays entirely under jsonlFile's control.
type bufWriter struct {
	data []byte
	out  io.Writer
}

func (b *bufWriter) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bufWriter) flush() error {
	if len(b.data) == 0 {
		return nil
	}
	_, err := b.out.Write(b.data)
	b.data = b.data[:0]
	return err
}

func openJSONL(path string, flushEvery time.Duration) (*jsonlFile, error) {
	if path == "" {
		return nil, errors.New("sinks: empty log path")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	buf := &bufWriter{out: f}
	return &jsonlFile{
		f:          f,
		enc:        json.NewEncoder(buf),
		buf:        buf,
		flushEvery: flushEvery,
		lastFlush:  time.Now(),
	}, nil
}

// append encodes one record as a JSON line and flushes if the flush delay
// has elapsed.
func (j *jsonlFile) append(v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(v); err != nil {
		return err
	}
	if time.Since(j.lastFlush) >= j.flushEvery {
		j.lastFlush = time.Now()
		return j.buf.flush()
	}
	return nil
}

// Flush writes all buffered records to disk.
func (j *jsonlFile) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastFlush = time.Now()
	return j.buf.flush()
}

// Close flushes and closes the underlying file.
func (j *jsonlFile) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	flushErr := j.buf.flush()
	closeErr := j.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// readJSONL streams a log file back as decoded records. A partial or
// malformed record (a torn write from a crash, or any JSON syntax error)
// ends the read without error, returning the records decoded before it;
// any other decode failure is reported.
func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []T
	dec := json.NewDecoder(f)
	for {
		var rec T
		switch err := dec.Decode(&rec); {
		case err == nil:
			out = append(out, rec)
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return out, nil
		default:
			var syn *json.SyntaxError
			if errors.As(err, &syn) {
				return out, nil
			}
			return out, err
		}
	}
}
