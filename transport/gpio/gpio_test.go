// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gpio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLine struct {
	values []int
	err    error
	closed bool
}

func (f *fakeLine) SetValue(v int) error {
	if f.err != nil {
		return f.err
	}
	f.values = append(f.values, v)
	return nil
}

func (f *fakeLine) Close() error {
	f.closed = true
	return nil
}

func TestLine_Levels(t *testing.T) {
	f := &fakeLine{}
	l := &Line{name: "gpiochip0:17", line: f}

	require.NoError(t, l.Assert())
	require.NoError(t, l.Deassert())
	require.NoError(t, l.Close())

	assert.Equal(t, []int{1, 0, 0}, f.values)
	assert.True(t, f.closed)
	assert.Equal(t, "gpiochip0:17", l.String())
}

func TestLine_ErrorNamesLine(t *testing.T) {
	l := &Line{name: "gpiochip1:4", line: &fakeLine{err: errors.New("device busy")}}
	err := l.Assert()
	assert.ErrorContains(t, err, "gpiochip1:4")
	assert.ErrorContains(t, err, "device busy")
}
