package link

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nerrad567/devmesh-core/internal/node"
)

// Session implements node.Gateway: a gateway-mode session is the adapter
// between the local node and the authoritative peer. Each method sends the
// corresponding peer verb and blocks until the RESPONSE arrives.
var _ node.Gateway = (*Session)(nil)

// RegisterDevice forwards a local registration to the peer. The proxy is
// bound under a freshly minted connid first, so that by the time the peer
// answers it can already address the device and its notifications flow
// out.
func (s *Session) RegisterDevice(ctx context.Context, deviceID string, proxy node.Proxy) error {
	connID := uuid.NewString()
	b := s.bind(connID, proxy)
	if b == nil {
		return ErrSessionClosed
	}
	s.mu.Lock()
	s.registrations[deviceID] = connID
	s.mu.Unlock()

	if _, err := s.roundTrip(ctx, &Frame{Method: MethodRegister, DeviceID: deviceID, ConnID: connID}); err != nil {
		s.mu.Lock()
		delete(s.registrations, deviceID)
		delete(s.devicesByConnID, connID)
		s.mu.Unlock()
		s.unbind(b)
		return err
	}
	s.logger.Info("registration forwarded", "device", deviceID, "connid", connID)
	return nil
}

// DeregisterDevice tears down a forwarded registration.
func (s *Session) DeregisterDevice(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	connID, ok := s.registrations[deviceID]
	var b *binding
	if ok {
		delete(s.registrations, deviceID)
		b = s.devicesByConnID[connID]
		delete(s.devicesByConnID, connID)
	}
	s.mu.Unlock()
	if b != nil {
		s.unbind(b)
	}

	_, err := s.roundTrip(ctx, &Frame{Method: MethodDeregister, DeviceID: deviceID})
	return err
}

// Connect asks the peer for a connection handle and wraps it in a remote
// proxy for the local caller.
func (s *Session) Connect(ctx context.Context, deviceID string) (node.Proxy, error) {
	res, err := s.roundTrip(ctx, &Frame{Method: MethodConnect, DeviceID: deviceID})
	if err != nil {
		return nil, err
	}
	connID, ok := res.(string)
	if !ok || connID == "" {
		return nil, fmt.Errorf("%w: connect reply %v", ErrBadReply, res)
	}

	proxy := newRemoteProxy(s, deviceID, connID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.proxyConns[deviceID] = append(s.proxyConns[deviceID], proxy)
	s.mu.Unlock()
	s.logger.Debug("connected via peer", "device", deviceID, "connid", connID)
	return proxy, nil
}

// Disconnect releases a proxy obtained from Connect.
func (s *Session) Disconnect(ctx context.Context, proxy node.Proxy) error {
	rp, ok := proxy.(*remoteProxy)
	if !ok || rp.session != s {
		return ErrNotOwned
	}

	s.mu.Lock()
	conns := s.proxyConns[rp.deviceID]
	for i, p := range conns {
		if p == rp {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(s.proxyConns, rp.deviceID)
	} else {
		s.proxyConns[rp.deviceID] = conns
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	_, err := s.roundTrip(ctx, &Frame{Method: MethodDisconnect, DeviceID: rp.deviceID, ConnID: rp.connID})
	return err
}
