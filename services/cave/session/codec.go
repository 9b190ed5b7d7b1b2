// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// =============================================================================
// Wire Format
// =============================================================================

// codecVersion is written into every envelope. Bump it when the envelope
// layout changes incompatibly.
const codecVersion = 1

// envelope is the CBOR layout of a stored record. The state stays JSON so
// it round-trips with exactly the number and map types the client sees.
type envelope struct {
	Version   int              `cbor:"1,keyasint"`
	ID        string           `cbor:"2,keyasint"`
	UserID    string           `cbor:"3,keyasint"`
	App       string           `cbor:"4,keyasint"`
	Versions  map[string]int64 `cbor:"5,keyasint"`
	State     []byte           `cbor:"6,keyasint"`
	CreatedAt int64            `cbor:"7,keyasint"`
	UpdatedAt int64            `cbor:"8,keyasint"`
}

// ErrCorruptRecord is returned when stored bytes cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt session record")

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("session: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("session: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("session: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("session: zstd decoder initialization failed: " + err.Error())
	}
}

// =============================================================================
// Encode / Decode
// =============================================================================

// Encode serialises a record: CBOR envelope, zstd compressed.
func Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("encode: nil record")
	}
	stateJSON, err := json.Marshal(r.State)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	raw, err := encMode.Marshal(envelope{
		Version:   codecVersion,
		ID:        r.ID,
		UserID:    r.UserID,
		App:       r.App,
		Versions:  r.Versions,
		State:     stateJSON,
		CreatedAt: r.CreatedAt.UnixMilli(),
		UpdatedAt: r.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// Decode reverses Encode.
func Decode(data []byte) (*Record, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptRecord, err)
	}
	var env envelope
	if err := decMode.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: cbor: %v", ErrCorruptRecord, err)
	}
	if env.Version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, env.Version)
	}
	state := State{}
	if len(env.State) > 0 {
		if err := json.Unmarshal(env.State, &state); err != nil {
			return nil, fmt.Errorf("%w: state: %v", ErrCorruptRecord, err)
		}
		if state == nil {
			state = State{}
		}
	}
	versions := env.Versions
	if versions == nil {
		versions = map[string]int64{}
	}
	return &Record{
		ID:        env.ID,
		UserID:    env.UserID,
		App:       env.App,
		Versions:  versions,
		State:     state,
		CreatedAt: time.UnixMilli(env.CreatedAt),
		UpdatedAt: time.UnixMilli(env.UpdatedAt),
	}, nil
}
