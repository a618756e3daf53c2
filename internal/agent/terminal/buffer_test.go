package terminal

import (
	"math/rand"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputBuffer_WithinLimitKeepsEverything(t *testing.T) {
	b := newOutputBuffer(16)
	b.append([]byte("hello\n"))
	b.append([]byte("world\n"))

	out, truncated := b.snapshot()
	assert.Equal(t, "hello\nworld\n", out)
	assert.False(t, truncated)
}

func TestOutputBuffer_TruncatesFromFront(t *testing.T) {
	b := newOutputBuffer(8)
	b.append([]byte("0123456789"))

	out, truncated := b.snapshot()
	assert.Equal(t, "23456789", out)
	assert.True(t, truncated)
}

func TestOutputBuffer_NeverSplitsMultiByteRunes(t *testing.T) {
	// "é" is two bytes, "€" three, "😀" four.
	b := newOutputBuffer(5)
	b.append([]byte("aé€😀"))

	out, truncated := b.snapshot()
	require.True(t, truncated)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "😀", out)
	assert.LessOrEqual(t, len(out), 5)
}

func TestOutputBuffer_RandomAppendsStayValidAndBounded(t *testing.T) {
	pieces := []string{"a", "é", "€", "😀", "line\n", "日本語\n", "x"}
	rng := rand.New(rand.NewSource(42))

	for _, limit := range []int{0, 1, 3, 7, 64} {
		b := newOutputBuffer(limit)
		var all strings.Builder
		for i := 0; i < 500; i++ {
			p := pieces[rng.Intn(len(pieces))]
			all.WriteString(p)
			b.append([]byte(p))

			out, _ := b.snapshot()
			require.True(t, utf8.ValidString(out), "limit %d: invalid text after %d appends", limit, i)
			require.LessOrEqual(t, len(out), limit)
			require.True(t, strings.HasSuffix(all.String(), out))
		}
	}
}

func TestLineWriter_EmitsWholeLines(t *testing.T) {
	b := newOutputBuffer(1024)
	w := &lineWriter{buf: b}

	_, _ = w.Write([]byte("par"))
	out, _ := b.snapshot()
	assert.Empty(t, out, "partial line must not be emitted")

	_, _ = w.Write([]byte("tial\nnext\nta"))
	out, _ = b.snapshot()
	assert.Equal(t, "partial\nnext\n", out)

	_, _ = w.Write([]byte("il"))
	w.flush()
	out, _ = b.snapshot()
	assert.Equal(t, "partial\nnext\ntail\n", out)
}

func TestLineWriter_LongPartialLineIsBounded(t *testing.T) {
	b := newOutputBuffer(8)
	w := &lineWriter{buf: b}

	for i := 0; i < 100; i++ {
		_, _ = w.Write([]byte("0123456789"))
		assert.LessOrEqual(t, len(w.pending), 8, "pending must stay within the output limit")
	}

	out, truncated := b.snapshot()
	assert.True(t, truncated)
	assert.Equal(t, "23456789", out)
}

func TestLineWriter_WriteAndFlushConcurrently(t *testing.T) {
	b := newOutputBuffer(1 << 16)
	w := &lineWriter{buf: b}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = w.Write([]byte("chunk"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			w.flush()
		}
	}()
	wg.Wait()
	w.flush()

	out, _ := b.snapshot()
	assert.Equal(t, 200*len("chunk"), len(strings.ReplaceAll(out, "\n", "")))
}
