package node

import (
	"context"
	"fmt"
)

// Next continues the middleware chain and returns the deeper result.
type Next func() (any, error)

// Handler is one layer of the middleware pipeline. A handler may invoke
// next and return its value, return a value directly to short-circuit,
// return (nil, nil) to substitute the most recent result produced by a
// deeper layer, or return an error.
//
// Errors flow backward: a failure raised by a deep layer surfaces through
// next() to the layers before it, which may observe and replace it.
type Handler func(ctx context.Context, req *Request, next Next) (any, error)

// Use appends a handler to the middleware chain. Downstream requests visit
// handlers in installation order; upstream notifications visit them in
// reverse.
func (n *Node) Use(h Handler) {
	n.hMu.Lock()
	defer n.hMu.Unlock()
	n.handlers = append(n.handlers, h)
}

// Dispatch passes a request through the middleware pipeline to its final
// handler: delivery to the registered device for application-originated
// requests, fan-out to connected proxies for device-originated ones.
//
// If a layer invokes next but returns nil, the most recently produced
// non-nil result from deeper layers is substituted. If no layer produced a
// result at all, Dispatch fails with ErrNoResult.
func (n *Node) Dispatch(ctx context.Context, req *Request) (any, error) {
	n.hMu.Lock()
	chain := make([]Handler, len(n.handlers))
	copy(chain, n.handlers)
	n.hMu.Unlock()

	final := n.deliverDownstream
	if !req.ApplicationOriginated() {
		final = n.fanOutUpstream
		reverse(chain)
	}

	var last any
	var produced bool

	var run func(i int) (any, error)
	run = func(i int) (any, error) {
		if i == len(chain) {
			res, err := final(ctx, req)
			if err != nil {
				return nil, err
			}
			if res != nil {
				last, produced = res, true
			}
			return res, nil
		}
		res, err := chain[i](ctx, req, func() (any, error) {
			return run(i + 1)
		})
		if err != nil {
			return nil, err
		}
		if res != nil {
			last, produced = res, true
			return res, nil
		}
		if produced {
			return last, nil
		}
		return nil, nil
	}

	res, err := run(0)
	if err != nil {
		return nil, err
	}
	if res == nil {
		if !produced {
			return nil, ErrNoResult
		}
		res = last
	}
	return res, nil
}

// deliverDownstream is the final handler for application-originated
// requests: it resolves the device and invokes the capability named by the
// verb. SET and INVOKE substitute true for an empty result so callers
// never observe "no result" from those verbs.
func (n *Node) deliverDownstream(ctx context.Context, req *Request) (any, error) {
	dev := n.device(req.DeviceID)
	if dev == nil {
		return nil, &NotConnectedError{ID: req.DeviceID}
	}

	switch req.Method {
	case MethodGet:
		return dev.Get(ctx, req.Identifier)
	case MethodSet:
		return substituteTrue(dev.Set(ctx, req.Identifier, req.Value))
	case MethodInvoke:
		return substituteTrue(dev.Invoke(ctx, req.Identifier, req.Value))
	case MethodSubscribe:
		return dev.Subscribe(ctx, req.Identifier)
	case MethodDescribe:
		return dev.Describe(ctx, req.Identifier)
	case MethodConfig:
		return dev.Config(ctx, req.Identifier, req.Value)
	default:
		return nil, fmt.Errorf("%w: '%s' is not a downstream verb", ErrBadMethod, req.Method)
	}
}

// fanOutUpstream is the final handler for device-originated notifications:
// it emits the notification on every proxy currently attached for the id,
// in attachment order. A panicking subscriber is logged and skipped so one
// bad subscriber never starves the others. The result is synthetic.
func (n *Node) fanOutUpstream(_ context.Context, req *Request) (any, error) {
	for _, proxy := range n.proxies.list(req.DeviceID) {
		n.emitTo(proxy, req)
	}
	return true, nil
}

func (n *Node) emitTo(proxy Proxy, req *Request) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("proxy notification panicked",
				"device", req.DeviceID,
				"method", req.Method,
				"error", fmt.Sprint(r),
			)
		}
	}()

	switch req.Method {
	case MethodPut:
		proxy.Events().EmitPut(req.Identifier, req.Value)
	case MethodNotify:
		proxy.Events().EmitNotify(req.Identifier, req.Params)
	}
}

func substituteTrue(res any, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if res == nil {
		return true, nil
	}
	return res, nil
}

func reverse(chain []Handler) {
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
}
