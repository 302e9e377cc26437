//go:build linux

package middleware

import (
	"errors"
	"log/slog"

	"github.com/touka-aoi/rdp-listener/core/engine"
	"github.com/touka-aoi/rdp-listener/server/peer"
)

// ErrRejected is wrapped by every rule that refuses a connection.
var ErrRejected = errors.New("connection rejected")

// Context is what an admission rule sees about an accepted connection
// before any peer exists for it.
type Context struct {
	Info     peer.Info
	Metadata map[string]interface{}
}

type NextFunc func(*Context) error

// Rule inspects ctx and either calls next or returns an error to reject.
type Rule func(*Context, NextFunc) error

type Pipeline struct {
	rules []Rule
	log   *slog.Logger
}

func NewPipeline() *Pipeline {
	return &Pipeline{
		rules: make([]Rule, 0),
		log:   slog.Default(),
	}
}

func (p *Pipeline) Use(rule Rule) *Pipeline {
	p.rules = append(p.rules, rule)
	return p
}

// WithLogger sets the logger used for rejection messages.
func (p *Pipeline) WithLogger(l *slog.Logger) *Pipeline {
	if l != nil {
		p.log = l
	}
	return p
}

// Execute runs the rules in order. The first rule that returns an error
// stops the chain.
func (p *Pipeline) Execute(ctx *Context) error {
	return p.executeRule(0, ctx)
}

func (p *Pipeline) executeRule(index int, ctx *Context) error {
	if index >= len(p.rules) {
		return nil
	}

	next := func(ctx *Context) error {
		return p.executeRule(index+1, ctx)
	}

	return p.rules[index](ctx, next)
}

// Check reports whether every rule admitted ctx.
func (p *Pipeline) Check(ctx *Context) bool {
	if err := p.Execute(ctx); err != nil {
		p.log.Debug("Connection rejected", "address", addrString(ctx.Info), "error", err)
		return false
	}
	return true
}

// Gate adapts the pipeline to engine.Options.CheckPeerAcceptRestrictions.
func (p *Pipeline) Gate() func(*engine.Listener, peer.Info) bool {
	return func(_ *engine.Listener, info peer.Info) bool {
		return p.Check(NewContext(info))
	}
}

func NewContext(info peer.Info) *Context {
	return &Context{
		Info:     info,
		Metadata: make(map[string]interface{}),
	}
}

func addrString(info peer.Info) string {
	if info.Addr == nil {
		return ""
	}
	return info.Addr.String()
}
