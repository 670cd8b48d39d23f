package chunk

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_Empty(t *testing.T) {
	assert.Empty(t, Split("", 4096))
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	assert.Equal(t, []string{"hello"}, Split("hello", 4096))
	assert.Equal(t, []string{"   "}, Split("   ", 4096))
}

func TestSplit_DefaultSize(t *testing.T) {
	text := strings.Repeat("a", MaxMessageSize+1)
	chunks := Split(text, 0)
	require.Len(t, chunks, 2)
	assert.Equal(t, MaxMessageSize, utf8.RuneCountInString(chunks[0]))
}

func TestSplit_LongResponseThreeChunks(t *testing.T) {
	text := strings.Repeat("word ", 1800) // 9000 chars
	require.Equal(t, 9000, len(text))

	chunks := Split(text, 4096)
	require.Len(t, chunks, 3)
	assert.Equal(t, 4095, len(chunks[0]))
	assert.Equal(t, 4095, len(chunks[1]))
	assert.Equal(t, 810, len(chunks[2]))
	for _, c := range chunks[:2] {
		assert.True(t, strings.HasSuffix(c, " "), "chunk should end at whitespace")
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplit_PrefersParagraphBreak(t *testing.T) {
	para1 := strings.Repeat("a ", 30) + "\n\n"
	line := strings.Repeat("b ", 10) + "\n"
	rest := strings.Repeat("c ", 40)
	text := para1 + line + rest

	chunks := Split(text, 100)
	require.NotEmpty(t, chunks)
	assert.Equal(t, para1, chunks[0])
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplit_PrefersLineOverSpace(t *testing.T) {
	text := strings.Repeat("x", 60) + "\n" + strings.Repeat("y ", 30)
	chunks := Split(text, 80)
	assert.Equal(t, strings.Repeat("x", 60)+"\n", chunks[0])
}

func TestSplit_ParagraphOutsideLookbackIgnored(t *testing.T) {
	// Paragraph break at 10 is before the back half of a 100 rune window
	text := strings.Repeat("a", 10) + "\n\n" + strings.Repeat("b ", 60)
	chunks := Split(text, 100)
	assert.Greater(t, len(chunks[0]), 50)
}

func TestSplit_FallsBackToEarlyWhitespace(t *testing.T) {
	text := strings.Repeat("a", 20) + " " + strings.Repeat("b", 200)
	chunks := Split(text, 100)
	assert.Equal(t, strings.Repeat("a", 20)+" ", chunks[0])
}

func TestSplit_HardSplit(t *testing.T) {
	text := strings.Repeat("z", 250)
	chunks := Split(text, 100)
	require.Len(t, chunks, 3)
	assert.Equal(t, 100, len(chunks[0]))
	assert.Equal(t, 100, len(chunks[1]))
	assert.Equal(t, 50, len(chunks[2]))
}

func TestSplit_LeadingWhitespaceNotABoundary(t *testing.T) {
	text := " " + strings.Repeat("z", 150)
	chunks := Split(text, 100)
	assert.Equal(t, 100, utf8.RuneCountInString(chunks[0]))
}

func TestSplit_MultibyteCountsRunes(t *testing.T) {
	text := strings.Repeat("日本語 ", 100) // 400 runes, 1000 bytes
	chunks := Split(text, 50)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 50)
		assert.True(t, utf8.ValidString(c))
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplit_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	alphabet := []rune("abcdefgh  \n\nxyz.é—🙂")

	for iter := 0; iter < 300; iter++ {
		n := rng.Intn(3000)
		buf := make([]rune, n)
		for i := range buf {
			buf[i] = alphabet[rng.Intn(len(alphabet))]
		}
		text := string(buf)
		size := 10 + rng.Intn(500)

		chunks := Split(text, size)
		if text == "" {
			assert.Empty(t, chunks)
			continue
		}
		require.NotEmpty(t, chunks)

		for _, c := range chunks {
			require.LessOrEqual(t, utf8.RuneCountInString(c), size)
			require.NotEmpty(t, c)
		}
		joined := strings.Join(chunks, "")
		require.Equal(t, text, joined)
		require.Equal(t, chunks, Split(joined, size), "re-splitting must be idempotent")
	}
}

func TestIsBlank(t *testing.T) {
	assert.True(t, IsBlank(""))
	assert.True(t, IsBlank(" \n\t"))
	assert.False(t, IsBlank(" x "))
}
