package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeURLFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "urls.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadURLFileSkipsTwoHeaderRows(t *testing.T) {
	t.Parallel()

	path := writeURLFile(t, "10k unique e-commerce websites\n"+
		"url,category\n"+
		"shop-one.example,retail\n"+
		"https://shop-two.example,retail\n"+
		"  \n"+
		"shop-three.example,food\n")

	urls, err := LoadURLFile(path, 0)
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://shop-one.example",
		"https://shop-two.example",
		"https://shop-three.example",
	}, urls)
}

func TestLoadURLFileHonorsMaxURLs(t *testing.T) {
	t.Parallel()

	path := writeURLFile(t, "title\nurl\na.example\nb.example\nc.example\n")
	urls, err := LoadURLFile(path, 2)
	require.NoError(t, err)
	require.Len(t, urls, 2)
}

func TestLoadURLFileMissing(t *testing.T) {
	t.Parallel()

	_, err := LoadURLFile(filepath.Join(t.TempDir(), "nope.csv"), 0)
	require.Error(t, err)
}

func TestSelectBatchRange(t *testing.T) {
	t.Parallel()

	urls := make([]string, 250)
	for i := range urls {
		urls[i] = string(rune('a' + i%26))
	}

	require.Len(t, SelectBatchRange(urls, 100, 1, 0), 250, "whole workload from batch 1")
	require.Len(t, SelectBatchRange(urls, 100, 2, 0), 150, "everything after the first batch")
	require.Len(t, SelectBatchRange(urls, 100, 2, 1), 100)
	require.Len(t, SelectBatchRange(urls, 100, 3, 2), 50, "range clipped at the end")
	require.Nil(t, SelectBatchRange(urls, 100, 9, 1), "past the end")
	require.Equal(t, urls[100], SelectBatchRange(urls, 100, 2, 1)[0])
}
