package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmapBasics(t *testing.T) {
	s := MakeBitmap(0)

	s.Set(3)
	s.Set(100)

	assert.True(t, s.IsSet(3))
	assert.True(t, s.IsSet(100))
	assert.False(t, s.IsSet(4))
	assert.Equal(t, 2, s.Size())

	s.Clear(3)
	assert.False(t, s.IsSet(3))

	assert.Equal(t, 100, s.First())
	assert.Equal(t, 100, s.Last())
	assert.Equal(t, 101, s.Len())
}

func TestBitmapOrChanged(t *testing.T) {
	a := MakeBitmap(0)
	b := MakeBitmap(0)

	b.Set(7)
	b.Set(65)

	assert.True(t, a.OrChanged(b))
	assert.False(t, a.OrChanged(b))

	assert.True(t, a.IsSet(7))
	assert.True(t, a.IsSet(65))
}

func TestBitmapAndNot(t *testing.T) {
	a := MakeBitmap(0)
	b := MakeBitmap(0)

	a.FillSet(0, 10)
	b.Set(3)
	b.Set(4)

	c := a.AndNotCopy(b)

	assert.Equal(t, 8, c.Size())
	assert.False(t, c.IsSet(3))
	assert.True(t, c.IsSet(5))

	d := a.AndCopy(b)
	assert.Equal(t, 2, d.Size())
}

func TestBitmapNext(t *testing.T) {
	s := MakeBitmap(0)

	s.Set(2)
	s.Set(64)
	s.Set(130)

	assert.Equal(t, 2, s.Next(0))
	assert.Equal(t, 2, s.Next(2))
	assert.Equal(t, 64, s.Next(3))
	assert.Equal(t, 130, s.Next(65))
	assert.Equal(t, -1, s.Next(131))
}

func TestBitmapRange(t *testing.T) {
	s := MakeBitmap(0)

	want := []int{1, 63, 64, 200}
	for _, i := range want {
		s.Set(i)
	}

	var got []int

	s.Range(func(i int) bool {
		got = append(got, i)
		return true
	})

	assert.Equal(t, want, got)
}
