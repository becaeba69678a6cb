package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptEntry is one scripted completion. Exactly one of Response or Err is
// used; WaitCh, when set, blocks Generate until closed or the context ends.
type ScriptEntry struct {
	Response Response
	Err      error
	WaitCh   <-chan struct{}
}

// ScriptedClient is a Client for tests: responses are consumed in order and
// every request is captured for assertions. When the script runs out the
// last entry repeats, so steady-state loops stay easy to drive.
type ScriptedClient struct {
	mu       sync.Mutex
	script   []ScriptEntry
	index    int
	captured []Request
}

// NewScriptedClient seeds the fake with entries; more can be added later.
func NewScriptedClient(entries ...ScriptEntry) *ScriptedClient {
	return &ScriptedClient{script: entries}
}

// Add appends entries to the script.
func (c *ScriptedClient) Add(entries ...ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, entries...)
}

// AddText is shorthand for a plain successful completion.
func (c *ScriptedClient) AddText(content string) {
	c.Add(ScriptEntry{Response: Response{Content: content, FinishReason: "stop"}})
}

// Generate implements Client.
func (c *ScriptedClient) Generate(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	c.captured = append(c.captured, req)
	if len(c.script) == 0 {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("scripted llm: no entries scripted")
	}
	entry := c.script[c.index]
	if c.index < len(c.script)-1 {
		c.index++
	}
	c.mu.Unlock()

	if entry.WaitCh != nil {
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if entry.Err != nil {
		return Response{}, entry.Err
	}
	return entry.Response, nil
}

// Model implements Client.
func (c *ScriptedClient) Model() string {
	return "scripted"
}

// Requests returns a copy of every captured request in call order.
func (c *ScriptedClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.captured))
	copy(out, c.captured)
	return out
}

// Calls returns how many times Generate ran.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

var _ Client = (*ScriptedClient)(nil)
