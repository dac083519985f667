package rest

import (
	"sort"

	"github.com/bwmarrin/snowflake"
)

var traceNode *snowflake.Node

func init() {
	// node id 1 is fine for a single-process client library; callers
	// embedding multiple Engines in one process only affect trace-id
	// uniqueness, never correctness.
	n, err := snowflake.NewNode(1)
	if err == nil {
		traceNode = n
	}
}

// traceIDMiddleware stamps every request with an internal correlation id.
// These are locally generated snowflakes for log correlation, unrelated to
// the snowflake IDs Discord assigns to its own entities.
func traceIDMiddleware() Middleware {
	return Middleware{Order: 0, Apply: func(r *Request) {
		if r.TraceID != "" {
			return
		}
		if traceNode != nil {
			r.TraceID = traceNode.Generate().String()
		}
	}}
}

// userAgentMiddleware stamps the library User-Agent Discord requires,
// unless the caller already set one.
func userAgentMiddleware(userAgent string) Middleware {
	return Middleware{Order: 1, Apply: func(r *Request) {
		if _, ok := r.Headers["User-Agent"]; ok {
			return
		}
		if r.Headers == nil {
			r.Headers = map[string]string{}
		}
		r.Headers["User-Agent"] = userAgent
	}}
}

// applyMiddlewares runs built-ins and per-request overlays in ascending
// Order, lowest numeric first.
func applyMiddlewares(r *Request, builtins []Middleware) {
	all := append(append([]Middleware{}, builtins...), r.Middlewares...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Order < all[j].Order })
	for _, m := range all {
		m.Apply(r)
	}
}
