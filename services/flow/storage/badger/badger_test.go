// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenInMemory verifies in-memory database creation works.
func TestOpenInMemory(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "key", []byte("value")))
	v, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), v)
	assert.True(t, s.InMemory())
	assert.NoError(t, s.Sync())

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// TestOpenWithPath verifies data survives a reopen.
func TestOpenWithPath(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0
	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "persistent-key", []byte("persistent-value")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	cfg.ReadOnly = true
	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()
	v, err := s2.Get(ctx, "persistent-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent-value"), v)
	assert.Equal(t, dir, s2.Path())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)

	cfg := DefaultConfig(t.TempDir())
	cfg.GCDiscardRatio = 2
	_, err = Open(cfg)
	assert.Error(t, err)
}

func TestKeysAndBatch(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.PutBatch(ctx, map[string][]byte{
		"frame/00000001": []byte("b"),
		"frame/00000000": []byte("a"),
		"meta/version":   []byte("v1.0.0"),
	}))
	keys, err := s.Keys(ctx, "frame/")
	require.NoError(t, err)
	assert.Equal(t, []string{"frame/00000000", "frame/00000001"}, keys)

	require.NoError(t, s.DeletePrefix("frame/"))
	keys, err = s.Keys(ctx, "frame/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWithTxn_RollsBackOnError(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err = s.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, s.WithTxn(cctx, func(*badger.Txn) error { return nil }))
	assert.Error(t, s.WithReadTxn(cctx, func(*badger.Txn) error { return nil }))
}

func TestGCRunnerStops(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = 10 * time.Millisecond
	s, err := Open(cfg)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Close())
}
