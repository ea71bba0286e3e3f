package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheGetPut(t *testing.T) {
	t.Parallel()

	c := New()
	_, ok := c.Get("https://www.screener.in/company/TCS/")
	require.False(t, ok)

	c.Put("https://www.screener.in/company/TCS/", []byte("<html>first</html>"))
	c.Put("https://www.screener.in/company/TCS/", []byte("<html>second</html>"))

	body, ok := c.Get("https://www.screener.in/company/TCS/")
	require.True(t, ok)
	require.Equal(t, "<html>second</html>", string(body))
	require.Equal(t, 1, c.Len())
}

func TestCacheClear(t *testing.T) {
	t.Parallel()

	c := New()
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	require.Equal(t, 2, c.Len())

	c.Clear()
	require.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	require.False(t, ok)

	c.Put("a", []byte("3"))
	body, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "3", string(body))
}

func TestCacheConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("url-%d-%d", worker, j)
				c.Put(key, []byte(key))
				if got, ok := c.Get(key); ok && string(got) != key {
					t.Errorf("Get(%q) = %q", key, got)
				}
				if j == 50 && worker == 0 {
					c.Clear()
				}
			}
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), 800)
}
