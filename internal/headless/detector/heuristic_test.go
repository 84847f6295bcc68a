package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fellowship-crawler/internal/crawler"
)

func ok(body string) crawler.FetchResponse {
	return crawler.FetchResponse{StatusCode: 200, Body: []byte(body)}
}

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(Options{BodyLengthThreshold: 100})
	require.True(t, h.ShouldPromote(ok("")))
}

func TestHeuristic_ShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(Options{BodyLengthThreshold: 100})
	require.True(t, h.ShouldPromote(ok(`<div id="__next"></div>`)))
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(Options{BodyLengthThreshold: 1000})
	require.True(t, h.ShouldPromote(ok(`<html><script>var a=1;</script><p>t</p></html>`)))

	long := `<html><script>var a=1;</script><p>` + strings.Repeat("text ", 400) + `</p></html>`
	require.False(t, h.ShouldPromote(ok(long)))
}

func TestHeuristic_ShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(Options{BodyLengthThreshold: 100})
	require.False(t, h.ShouldPromote(crawler.FetchResponse{StatusCode: 404, Body: []byte("not found")}))
}

func TestHeuristic_ShouldPromote_MissingSelector(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(Options{Selector: "h3 + ul", NoResultsMarker: "No Results Found"})
	assert.True(t, h.ShouldPromote(ok(`<html><body><div id="content"></div></body></html>`)))
	assert.False(t, h.ShouldPromote(ok(`<html><body><h3>P</h3><ul><li>Ada</li></ul></body></html>`)))
	assert.False(t, h.ShouldPromote(ok(`<html><body><p>No Results Found</p></body></html>`)))
}

func TestScriptCoverage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, scriptCoverage(nil))
	assert.Equal(t, 0, scriptCoverage([]byte("<p>plain</p>")))
	assert.Equal(t, 100, scriptCoverage([]byte("<script>x</script>")))
	assert.Equal(t, 100, scriptCoverage([]byte("<script src=a.js")))
	assert.Equal(t, 100, scriptCoverage([]byte("<script>never closed")))
}
