package executor

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
)

type stubExtractor struct {
	got gateway.ExtractOptions
}

func (s *stubExtractor) ExtractContent(_ context.Context, opts gateway.ExtractOptions) (*gateway.Content, error) {
	s.got = opts
	return &gateway.Content{Title: "Example", Text: "hello"}, nil
}

type stubNavigator struct {
	visited string
	err     error
}

func (s *stubNavigator) Navigate(_ context.Context, url string) error {
	s.visited = url
	return s.err
}

func TestRouterExtractDecodesOptions(t *testing.T) {
	ex := &stubExtractor{}
	r := NewRouter(nil, ex, nil)

	result, err := r.HandleCommand(context.Background(), &gateway.Command{
		Verb: gateway.VerbExtract,
		Payload: map[string]interface{}{
			"url":          "https://example.com",
			"extractLinks": true,
			"selectors":    []interface{}{"h1", "p"},
		},
	})
	require.NoError(t, err)

	content, ok := result.(*gateway.Content)
	require.True(t, ok)
	assert.Equal(t, "Example", content.Title)
	assert.Equal(t, "https://example.com", ex.got.URL)
	assert.True(t, ex.got.ExtractLinks)
	assert.False(t, ex.got.ExtractImages)
	assert.Equal(t, []string{"h1", "p"}, ex.got.Selectors)
}

func TestRouterRequiresURL(t *testing.T) {
	r := NewRouter(stubCapturer{}, &stubExtractor{}, &stubNavigator{})

	for _, verb := range []string{gateway.VerbCapture, gateway.VerbExtract, gateway.VerbNavigate} {
		_, err := r.HandleCommand(context.Background(), &gateway.Command{Verb: verb, Payload: map[string]interface{}{}})
		require.Error(t, err, verb)
		assert.Contains(t, err.Error(), "url is required")
	}
}

func TestRouterNavigate(t *testing.T) {
	nav := &stubNavigator{}
	r := NewRouter(nil, nil, nav)

	result, err := r.HandleCommand(context.Background(), &gateway.Command{
		Verb:    gateway.VerbNavigate,
		Payload: map[string]interface{}{"url": "https://example.com/a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", nav.visited)
	assert.Equal(t, map[string]interface{}{"url": "https://example.com/a"}, result)

	nav.err = stderrors.New("navigation blocked")
	_, err = r.HandleCommand(context.Background(), &gateway.Command{
		Verb:    gateway.VerbNavigate,
		Payload: map[string]interface{}{"url": "https://example.com/b"},
	})
	assert.EqualError(t, err, "navigation blocked")
}

func TestRouterUnknownAndUnboundVerbs(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	assert.Empty(t, r.Verbs())

	_, err := r.HandleCommand(context.Background(), &gateway.Command{Verb: gateway.VerbCapture})
	assert.ErrorContains(t, err, "unknown command")

	r.Handle(gateway.VerbCapture, gateway.CommandHandlerFunc(func(context.Context, *gateway.Command) (interface{}, error) {
		return "overridden", nil
	}))
	result, err := r.HandleCommand(context.Background(), &gateway.Command{Verb: gateway.VerbCapture})
	require.NoError(t, err)
	assert.Equal(t, "overridden", result)
	assert.Equal(t, []string{gateway.VerbCapture}, r.Verbs())
}
