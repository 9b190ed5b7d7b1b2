// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/cave/pkg/extensions"
	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/session"
	"github.com/AleutianAI/cave/services/cave/validation"
)

func TestErrorPayload(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"invalid request", fmt.Errorf("%w: bad", ErrInvalidRequest), CodeInvalidRequest},
		{"unknown command", command.UnknownCommand("fly"), CodeUnknownCommand},
		{"invalid path", fmt.Errorf("step 2: %w", session.ErrInvalidPath), CodeInvalidPath},
		{"not found", session.ErrNotFound, CodeNotFound},
		{"forbidden", errors.Join(extensions.ErrForbidden, errors.New("nope")), CodeForbidden},
		{"unauthorized", extensions.ErrUnauthorized, CodeForbidden},
		{"invalid state", validation.AsError([]validation.Violation{{Path: "x", Message: "y"}}), CodeInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := errorPayload(CmdMutateSession, tt.err)
			assert.Equal(t, tt.code, p.Code)
			assert.Equal(t, CmdMutateSession, p.Command)
			assert.Equal(t, tt.err.Error(), p.Message)
		})
	}
}

func TestErrorPayload_InternalErrorsAreMasked(t *testing.T) {
	p := errorPayload(CmdGetSessionData, errors.New("badger: value log corrupted at offset 42"))
	assert.Equal(t, CodeInternal, p.Code)
	assert.Equal(t, "internal error", p.Message)
}

func TestDecodePayload(t *testing.T) {
	var get GetAssociatedSessionDataRequest
	assert.NoError(t, decodePayload([]byte(`{"data_name":"kpis","data_path":["data"]}`), &get))
	assert.Equal(t, []any{"data"}, get.DataPath)

	assert.Error(t, decodePayload([]byte(`{"data_name":"widgets"}`), &GetAssociatedSessionDataRequest{}))
	assert.Error(t, decodePayload(nil, &GetAssociatedSessionDataRequest{}))

	assert.NoError(t, decodePayload(nil, &GetSessionDataRequest{}))
	assert.NoError(t, decodePayload([]byte("null"), &GetSessionDataRequest{}))
	assert.Error(t, decodePayload([]byte(`{"data_versions":"x"}`), &GetSessionDataRequest{}))

	assert.Error(t, decodePayload([]byte(`{}`), &MutateSessionRequest{}), "needs data_name or api_command")
	assert.NoError(t, decodePayload([]byte(`{"api_command":"myCommand"}`), &MutateSessionRequest{}))
	assert.Error(t, decodePayload([]byte(`{"data_name":"kpis","mutation_type":"merge"}`), &MutateSessionRequest{}))
}
