package app

import (
	"encoding/json"
	"strings"

	"github.com/nadorp/logpipe/internal/config"
	"github.com/nadorp/logpipe/pkg/apperr"
	"github.com/nadorp/logpipe/pkg/cfgtree"
	"github.com/nadorp/logpipe/pkg/message"
	"github.com/nadorp/logpipe/pkg/pipe"
)

// buildCfgTree lowers the parsed configuration into a *cfgtree.CfgTree
// ready for cfgtree.Compile: one LogExprNode per defined source,
// destination, filter, parser, and rewrite, plus one top-level rule
// per configured RuleConfig.
func (a *App) buildCfgTree(d *config.Daemon) (*cfgtree.CfgTree, error) {
	tree := cfgtree.NewCfgTree()

	for _, s := range d.Sources {
		node := &cfgtree.LogExprNode{Layout: cfgtree.LayoutSingle, Object: pipe.NewSourcePipe(s.Name)}
		if err := tree.Define(cfgtree.ContentSource, s.Name, node); err != nil {
			return nil, err
		}
	}

	for _, dest := range d.Destinations {
		destPipe, ok := a.destinationPipes[dest.Name]
		if !ok {
			return nil, apperr.Config("buildCfgTree", "no wired destination pipe for "+dest.Name)
		}
		node := &cfgtree.LogExprNode{Layout: cfgtree.LayoutSingle, Object: destPipe}
		if err := tree.Define(cfgtree.ContentDestination, dest.Name, node); err != nil {
			return nil, err
		}
	}

	for _, f := range d.Filters {
		filter := buildFilter(f, a.registry)
		node := &cfgtree.LogExprNode{Layout: cfgtree.LayoutSingle, Object: pipe.NewFilterPipe(f.Name, filter)}
		if err := tree.Define(cfgtree.ContentFilter, f.Name, node); err != nil {
			return nil, err
		}
	}

	for _, p := range d.Parsers {
		parse := buildParser(p, a.registry)
		node := &cfgtree.LogExprNode{Layout: cfgtree.LayoutSingle, Object: pipe.NewParserPipe(p.Name, parse)}
		if err := tree.Define(cfgtree.ContentParser, p.Name, node); err != nil {
			return nil, err
		}
	}

	for _, r := range d.Rewrites {
		rewrite := buildRewrite(r, a.registry)
		node := &cfgtree.LogExprNode{Layout: cfgtree.LayoutSingle, Object: pipe.NewRewritePipe(r.Name, rewrite)}
		if err := tree.Define(cfgtree.ContentRewrite, r.Name, node); err != nil {
			return nil, err
		}
	}

	contentKindOf := map[string]cfgtree.Content{
		"source":      cfgtree.ContentSource,
		"filter":      cfgtree.ContentFilter,
		"parser":      cfgtree.ContentParser,
		"rewrite":     cfgtree.ContentRewrite,
		"destination": cfgtree.ContentDestination,
	}

	for _, rule := range d.Rules {
		var flags cfgtree.LCFlags
		if rule.Final {
			flags |= cfgtree.LCFinal
		}
		if rule.Fallback {
			flags |= cfgtree.LCFallback
		}
		if rule.FlowControl {
			flags |= cfgtree.LCFlowControl
		}
		if rule.DropUnmatched {
			flags |= cfgtree.LCDropUnmatched
		}
		if rule.CatchAll {
			flags |= cfgtree.LCCatchAll
		}

		children := make([]*cfgtree.LogExprNode, 0, len(rule.Steps))
		for _, step := range rule.Steps {
			kind, ok := contentKindOf[step.Kind]
			if !ok {
				return nil, apperr.Config("buildCfgTree", "unknown rule step kind: "+step.Kind)
			}
			children = append(children, &cfgtree.LogExprNode{
				Layout:  cfgtree.LayoutReference,
				Content: kind,
				Name:    step.Name,
			})
		}

		root := &cfgtree.LogExprNode{
			Layout:   cfgtree.LayoutSequence,
			Content:  cfgtree.ContentPipe,
			Name:     rule.Name,
			Children: children,
			Flags:    flags,
		}
		tree.AddRule(root)
	}

	return tree, nil
}

// buildFilter turns a declarative FilterConfig into a predicate
// function: match (or, if Match is empty, simply presence) against
// Field, with optional negation.
func buildFilter(f config.FilterConfig, reg *message.Registry) func(*message.Message) bool {
	h := reg.Intern(f.Field)
	return func(msg *message.Message) bool {
		v, ok := msg.GetValue(h)
		result := ok
		if ok && f.Match != "" {
			result = string(v.Bytes) == f.Match
		}
		if f.Negate {
			return !result
		}
		return result
	}
}

// buildParser turns a declarative ParserConfig into a parse function.
// "json" decodes the message's raw body as a flat JSON object and sets
// one field per key; "kv" splits space-separated key=value tokens.
func buildParser(p config.ParserConfig, reg *message.Registry) func(*message.Message) error {
	msgH := reg.Intern("MESSAGE")
	switch p.Kind {
	case "json":
		return func(msg *message.Message) error {
			v, ok := msg.GetValue(msgH)
			if !ok {
				return apperr.Protocol("parser.json", "no MESSAGE field to parse")
			}
			var fields map[string]any
			if err := json.Unmarshal(v.Bytes, &fields); err != nil {
				return apperr.Protocol("parser.json", "invalid json payload").Wrap(err)
			}
			for k, val := range fields {
				h := reg.Intern(k)
				s, ok := val.(string)
				if !ok {
					b, _ := json.Marshal(val)
					s = string(b)
				}
				if err := msg.SetValue(h, message.Value{Kind: message.KindString, Bytes: []byte(s)}); err != nil {
					return err
				}
			}
			return nil
		}
	case "kv":
		return func(msg *message.Message) error {
			v, ok := msg.GetValue(msgH)
			if !ok {
				return apperr.Protocol("parser.kv", "no MESSAGE field to parse")
			}
			for _, tok := range strings.Fields(string(v.Bytes)) {
				kv := strings.SplitN(tok, "=", 2)
				if len(kv) != 2 {
					continue
				}
				h := reg.Intern(kv[0])
				if err := msg.SetValue(h, message.Value{Kind: message.KindString, Bytes: []byte(kv[1])}); err != nil {
					return err
				}
			}
			return nil
		}
	default:
		return func(*message.Message) error {
			return apperr.Config("parser", "unknown parser kind: "+p.Kind)
		}
	}
}

// buildRewrite turns a declarative RewriteConfig into a rewrite
// function: "set" stores Value under Field, "unset" removes Field.
func buildRewrite(r config.RewriteConfig, reg *message.Registry) func(*message.Message) error {
	h := reg.Intern(r.Field)
	switch r.Kind {
	case "unset":
		return func(msg *message.Message) error {
			return msg.Unset(h)
		}
	default: // "set"
		value := r.Value
		return func(msg *message.Message) error {
			return msg.SetValue(h, message.Value{Kind: message.KindString, Bytes: []byte(value)})
		}
	}
}
