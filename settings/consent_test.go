package settings

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPrompter struct {
	allow    bool
	remember bool
	err      error
	asked    int
}

func (s *scriptedPrompter) Ask(ctx context.Context, service string) (bool, bool, error) {
	s.asked++
	return s.allow, s.remember, s.err
}

func TestConsentAskedOncePerSession(t *testing.T) {
	store := NewMemoryStore()
	p := &scriptedPrompter{allow: true}
	g := NewConsentGate(store, p)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := g.Confirm(ctx, "gemini")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, p.asked)

	ok, err := g.Confirm(ctx, "openai")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, p.asked)

	// not remembered, a new session asks again
	g2 := NewConsentGate(store, p)
	_, err = g2.Confirm(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, 3, p.asked)
}

func TestConsentRemembered(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	g := NewConsentGate(store, &scriptedPrompter{allow: true, remember: true})
	ok, err := g.Confirm(ctx, "video")
	require.NoError(t, err)
	assert.True(t, ok)

	v, found, err := store.Get(ctx, "consent.video")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "granted", v)

	p := &scriptedPrompter{}
	g2 := NewConsentGate(store, p)
	ok, err = g2.Confirm(ctx, "video")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, p.asked)

	require.NoError(t, g2.Revoke(ctx, "video"))
	ok, err = g2.Confirm(ctx, "video")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, p.asked)
}

func TestConsentDeclinedAndErrors(t *testing.T) {
	ctx := context.Background()
	p := &scriptedPrompter{allow: false}
	g := NewConsentGate(nil, p)
	ok, err := g.Confirm(ctx, "gemini")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _ = g.Confirm(ctx, "gemini")
	assert.False(t, ok)
	assert.Equal(t, 2, p.asked)

	boom := errors.New("no terminal")
	g = NewConsentGate(nil, &scriptedPrompter{err: boom})
	_, err = g.Confirm(ctx, "gemini")
	assert.ErrorIs(t, err, boom)

	ok, err = NewConsentGate(nil, nil).Confirm(ctx, "gemini")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminalPrompter(t *testing.T) {
	cases := map[string][2]bool{
		"y\n":      {true, false},
		"Always\n": {true, true},
		"no\n":     {false, false},
		"":         {false, false},
		"a":        {true, true},
	}
	for input, want := range cases {
		var out bytes.Buffer
		p := &TerminalPrompter{In: strings.NewReader(input), Out: &out}
		allow, remember, err := p.Ask(context.Background(), "openai")
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want[0], allow, "input %q", input)
		assert.Equal(t, want[1], remember, "input %q", input)
		assert.Contains(t, out.String(), "openai")
	}
}

func TestRedisStoreKeys(t *testing.T) {
	s := NewRedisStore(RedisConfig{Addr: "127.0.0.1:6379"})
	defer s.Close()
	assert.Equal(t, "gen2go:consent.gemini", s.key(consentKey("gemini")))

	s2 := NewRedisStore(RedisConfig{Addr: "127.0.0.1:6379", Prefix: "app:"})
	defer s2.Close()
	assert.Equal(t, "app:x", s2.key("x"))
}
