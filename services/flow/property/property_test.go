// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package property

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
)

func newValue(t *testing.T, values ...float64) *Property {
	t.Helper()
	p, err := FromArray(Spec{Name: "Value"}, Floats(values...))
	require.NoError(t, err)
	return p
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Spec{Name: "x", DataType: TypeInvalid, Components: 1}, 3)
	assert.Error(t, err)

	_, err = New(Spec{Name: "x", DataType: Float64, Components: 0}, 3)
	assert.Error(t, err)

	p, err := New(Spec{Name: "Position", DataType: Float64, Components: 3, ComponentNames: []string{"X", "Y", "Z"}}, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, p.Shape())
	assert.Equal(t, []string{"X", "Y", "Z"}, p.ComponentNames())
	assert.Equal(t, 0.0, p.Read().Float(3, 2))
}

func TestSet_RequiresWritable(t *testing.T) {
	p := newValue(t, 1, 2, 3)

	err := p.Set(0, 0, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerr.ErrMutabilityViolation)
	assert.Equal(t, 1.0, p.Read().Float(0, 0))

	assert.ErrorIs(t, p.Fill(0), flowerr.ErrMutabilityViolation)
	assert.ErrorIs(t, p.Assign(Floats(0, 0, 0)), flowerr.ErrMutabilityViolation)
}

func TestAcquireWritable_ExclusiveInPlace(t *testing.T) {
	p := newValue(t, 1, 2, 3)
	p.AddOwner()

	g := p.AcquireWritable()
	assert.False(t, g.Copied())
	assert.Same(t, p, g.Property())
	assert.True(t, p.IsWritable())
	require.NoError(t, g.Property().Set(1, 0, 20))
	g.Release()
	g.Release() // second release is a no-op

	assert.False(t, p.IsWritable())
	assert.Equal(t, 20.0, p.Read().Float(1, 0))
	assert.Equal(t, uint64(1), p.Revision())
}

func TestAcquireWritable_SharedCopies(t *testing.T) {
	p := newValue(t, 1, 2, 3)
	p.AddOwner()
	p.AddOwner()
	before := p.Read().Float64s()

	g := p.AcquireWritable()
	require.True(t, g.Copied())
	w := g.Property()
	assert.NotSame(t, p, w)
	require.NoError(t, w.Fill(7))
	g.Release()

	assert.Equal(t, before, p.Read().Float64s(), "original must not change")
	assert.Equal(t, []float64{7, 7, 7}, w.Read().Float64s())
	assert.False(t, p.IsWritable())
	assert.False(t, w.IsWritable())
	assert.Equal(t, uint64(0), p.Revision())
}

func TestAcquireWritable_FrozenCopies(t *testing.T) {
	p := newValue(t, 1)
	p.AddOwner()
	p.Freeze()
	assert.False(t, p.IsExclusive())

	g := p.AcquireWritable()
	defer g.Release()
	assert.True(t, g.Copied())
	assert.True(t, g.Property().IsExclusive())
}

func TestCopyOnWrite_ConcurrentReadersIsolated(t *testing.T) {
	const n = 1000
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i)
	}
	p := newValue(t, values...)
	p.AddOwner()
	p.AddOwner()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 50; round++ {
				v := p.Read()
				for i := 0; i < n; i++ {
					if v.Float(i, 0) != float64(i) {
						errs <- errors.New("reader observed a foreign write")
						return
					}
				}
			}
		}()
	}

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := WithWritable(p, func(c *Property) error {
				return c.Fill(-1)
			})
			if err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	assert.Equal(t, values, p.Read().Float64s())
}

func TestWithWritable_RestoresOnEveryExitPath(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		p := newValue(t, 1)
		notified := 0
		p.Subscribe(func(*Property) { notified++ })

		w, err := WithWritable(p, func(w *Property) error { return w.Set(0, 0, 5) })
		require.NoError(t, err)
		assert.Same(t, p, w)
		assert.False(t, p.IsWritable())
		assert.Equal(t, 1, notified)
		assert.Equal(t, 5.0, p.Read().Float(0, 0))
	})

	t.Run("error", func(t *testing.T) {
		p := newValue(t, 1)
		notified := 0
		p.Subscribe(func(*Property) { notified++ })

		boom := errors.New("boom")
		_, err := WithWritable(p, func(*Property) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.False(t, p.IsWritable())
		assert.Equal(t, 1, notified)
	})

	t.Run("panic", func(t *testing.T) {
		p := newValue(t, 1)
		notified := 0
		p.Subscribe(func(*Property) { notified++ })

		func() {
			defer func() { _ = recover() }()
			_, _ = WithWritable(p, func(*Property) error { panic("stage crashed") })
		}()
		assert.False(t, p.IsWritable())
		assert.Equal(t, 1, notified)
	})
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	p := newValue(t, 1)
	calls := 0
	unsubscribe := p.Subscribe(func(*Property) { calls++ })
	unsubscribe()
	_, _ = WithWritable(p, func(*Property) error { return nil })
	assert.Equal(t, 0, calls)
}

func TestSet_IndexOutOfRange(t *testing.T) {
	p := newValue(t, 1, 2)
	_, err := WithWritable(p, func(w *Property) error { return w.Set(2, 0, 1) })
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = WithWritable(p, func(w *Property) error { return w.Set(0, 1, 1) })
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestIntegerProperty(t *testing.T) {
	p, err := FromArray(Spec{Name: "Particle Type"}, Ints32(1, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, Int32, p.DataType())

	_, err = WithWritable(p, func(w *Property) error {
		if err := w.SetInt(2, 0, 3); err != nil {
			return err
		}
		return w.AddType(ElementType{ID: 1, Name: "Cu"})
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, p.Read().Int64s())

	typ, ok := p.TypeByName("Cu")
	assert.True(t, ok)
	assert.Equal(t, 1, typ.ID)
	_, ok = p.TypeByID(9)
	assert.False(t, ok)

	_, err = WithWritable(p, func(w *Property) error { return w.AddType(ElementType{ID: 1, Name: "Fe"}) })
	assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)
}

func TestRename(t *testing.T) {
	p := newValue(t, 1)
	assert.Same(t, p, p.Rename("Value"))
	r := p.Rename("Other")
	assert.Equal(t, "Other", r.Name())
	assert.Equal(t, "Value", p.Name())
}
