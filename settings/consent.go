package settings

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const consentGranted = "granted"

// Prompter asks the user whether data may be sent to service. remember
// means the answer should not be asked for again.
type Prompter interface {
	Ask(ctx context.Context, service string) (allow bool, remember bool, err error)
}

// ConsentGate asks once per service per session, or never again once the
// user has chosen to remember an approval
type ConsentGate struct {
	store    Store
	prompter Prompter

	mu      sync.Mutex
	session map[string]bool
}

func NewConsentGate(store Store, prompter Prompter) *ConsentGate {
	if store == nil {
		store = NewMemoryStore()
	}
	return &ConsentGate{store: store, prompter: prompter, session: make(map[string]bool)}
}

func consentKey(service string) string {
	return "consent." + service
}

func (g *ConsentGate) Confirm(ctx context.Context, service string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session[service] {
		return true, nil
	}
	v, ok, err := g.store.Get(ctx, consentKey(service))
	if err != nil {
		// the flag store is a convenience; fall through to asking
		slog.Warn("reading consent flag", "service", service, "error", err)
	} else if ok && v == consentGranted {
		g.session[service] = true
		return true, nil
	}

	if g.prompter == nil {
		return false, nil
	}
	allow, remember, err := g.prompter.Ask(ctx, service)
	if err != nil {
		return false, err
	}
	if !allow {
		return false, nil
	}
	g.session[service] = true
	if remember {
		if err := g.store.Set(ctx, consentKey(service), consentGranted); err != nil {
			slog.Warn("saving consent flag", "service", service, "error", err)
		}
	}
	return true, nil
}

// Revoke forgets a remembered or session approval
func (g *ConsentGate) Revoke(ctx context.Context, service string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.session, service)
	return g.store.Delete(ctx, consentKey(service))
}

// TerminalPrompter asks on a line based terminal: y approves, a approves
// and remembers, anything else declines
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

func (t *TerminalPrompter) Ask(ctx context.Context, service string) (bool, bool, error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	fmt.Fprintf(t.Out, "Your prompt and images will be sent to %s. Continue? [y]es / [n]o / [a]lways: ", service)
	line, err := bufio.NewReader(t.In).ReadString('\n')
	if err != nil && line == "" {
		if err == io.EOF {
			return false, false, nil
		}
		return false, false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, false, nil
	case "a", "always":
		return true, true, nil
	}
	return false, false, nil
}

// AutoApprove allows every service without asking
type AutoApprove struct{}

func (AutoApprove) Ask(ctx context.Context, service string) (bool, bool, error) {
	return true, false, nil
}
