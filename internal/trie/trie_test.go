package trie

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pinwheel-sh/pinwheel/internal/token"
)

func TestPutGetDelete(t *testing.T) {
	tr := New()
	_, ok := tr.Get("/workflow/a/job/x/waiting")
	require.False(t, ok)

	tr.Put(token.Token{Name: "/workflow/a/job/x/waiting", Version: 1})
	got, ok := tr.Get("/workflow/a/job/x/waiting")
	require.True(t, ok)
	require.Equal(t, int64(1), got.Version)

	tr.Delete("/workflow/a/job/x/waiting")
	_, ok = tr.Get("/workflow/a/job/x/waiting")
	require.False(t, ok)
}

func TestGetReturnsClonedDataNotAliasingInternalStorage(t *testing.T) {
	tr := New()
	tr.Put(token.Token{Name: "/workflow/a", Data: []byte("original")})

	got, ok := tr.Get("/workflow/a")
	require.True(t, ok)
	got.Data[0] = 'X'

	again, ok := tr.Get("/workflow/a")
	require.True(t, ok)
	require.Equal(t, "original", string(again.Data))
}

func TestPutOverwritesExistingToken(t *testing.T) {
	tr := New()
	tr.Put(token.Token{Name: "/a", Version: 1})
	tr.Put(token.Token{Name: "/a", Version: 2})

	got, ok := tr.Get("/a")
	require.True(t, ok)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, 1, tr.Len())
}

func TestEdgeSplittingOnDivergingNames(t *testing.T) {
	tr := New()
	// "/workflow/a" and "/workflow/b" share the prefix "/workflow/" then
	// diverge at the next byte, forcing insert to split an edge.
	tr.Put(token.Token{Name: "/workflow/a", Version: 1})
	tr.Put(token.Token{Name: "/workflow/b", Version: 2})
	tr.Put(token.Token{Name: "/workflow/ab", Version: 3})

	a, ok := tr.Get("/workflow/a")
	require.True(t, ok)
	require.Equal(t, int64(1), a.Version)

	b, ok := tr.Get("/workflow/b")
	require.True(t, ok)
	require.Equal(t, int64(2), b.Version)

	ab, ok := tr.Get("/workflow/ab")
	require.True(t, ok)
	require.Equal(t, int64(3), ab.Version)

	require.Equal(t, 3, tr.Len())
}

func TestValuesUnderAndNamesUnderMatchPrefix(t *testing.T) {
	tr := New()
	tr.Put(token.Token{Name: "/workflow/a/job/x/waiting", Priority: 1})
	tr.Put(token.Token{Name: "/workflow/a/job/y/waiting", Priority: 2})
	tr.Put(token.Token{Name: "/workflow/b/job/z/waiting", Priority: 3})

	names := tr.NamesUnder("/workflow/a/job/")
	require.ElementsMatch(t, []string{
		"/workflow/a/job/x/waiting",
		"/workflow/a/job/y/waiting",
	}, names)

	values := tr.ValuesUnder("/workflow/a/job/")
	require.Len(t, values, 2)
}

func TestValuesUnderPrefixLongerThanAnyEdgeReturnsEmpty(t *testing.T) {
	tr := New()
	tr.Put(token.Token{Name: "/workflow/a", Version: 1})

	require.Empty(t, tr.ValuesUnder("/workflow/ax"))
	require.Empty(t, tr.ValuesUnder("/nonexistent"))
}

func TestValuesUnderPrefixLandingMidEdge(t *testing.T) {
	tr := New()
	tr.Put(token.Token{Name: "/workflow/abc", Version: 1})

	// "/workflow/ab" is a strict prefix of the single edge "/workflow/abc":
	// walkPrefix must still find and return the one match under it.
	values := tr.ValuesUnder("/workflow/ab")
	require.Len(t, values, 1)
	require.Equal(t, "/workflow/abc", values[0].Name)
}

func TestDeleteOfAbsentNameIsNoop(t *testing.T) {
	tr := New()
	tr.Put(token.Token{Name: "/a", Version: 1})
	tr.Delete("/does/not/exist")

	_, ok := tr.Get("/a")
	require.True(t, ok)
}

func TestLenCountsOnlyPresentTokens(t *testing.T) {
	tr := New()
	require.Equal(t, 0, tr.Len())

	tr.Put(token.Token{Name: "/a"})
	tr.Put(token.Token{Name: "/b"})
	require.Equal(t, 2, tr.Len())

	tr.Delete("/a")
	require.Equal(t, 1, tr.Len())
}

func TestAdvanceVersionIsMonotonicAndClockDriven(t *testing.T) {
	counter := token.Token{Priority: 0}

	first := AdvanceVersion(&counter, time.UnixMilli(1000))
	require.Equal(t, int64(1000), first)

	// a second call at the same instant still strictly increases, since
	// counter+1 now exceeds now_millis.
	second := AdvanceVersion(&counter, time.UnixMilli(1000))
	require.Equal(t, int64(1001), second)
	require.Greater(t, second, first)

	// the wall clock jumping far ahead wins over counter+1.
	third := AdvanceVersion(&counter, time.UnixMilli(50000))
	require.Equal(t, int64(50000), third)
}
