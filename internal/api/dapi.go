package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devmesh-core/internal/node"
)

// Identifiers with special routing on the device API.
const (
	identSchema  = ".schema"
	identConfig  = ".config"
	identMetrics = "metrics"
	identEvents  = "events"
)

// deviceResult is the success envelope for device API responses.
type deviceResult struct {
	DeviceID string `json:"device_id"`
	Result   any    `json:"result"`
}

// handleDeviceGet maps GET onto the GET verb, or DESCRIBE for the
// .schema/.config identifiers.
func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ident := chi.URLParam(r, "ident")

	method := node.MethodGet
	if ident == identSchema || ident == identConfig {
		method = node.MethodDescribe
	}
	s.callDevice(w, r, id, method, ident, nil)
}

// handleDevicePut maps PUT onto the SET verb, or CONFIG for the .config
// identifier (extracting the single property/value pair from the body).
func (s *Server) handleDevicePut(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ident := chi.URLParam(r, "ident")

	if ident == identConfig {
		key, value, err := singleKeyValue(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		s.callDevice(w, r, id, node.MethodConfig, key, value)
		return
	}

	var value any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "request body must be JSON")
		return
	}
	s.callDevice(w, r, id, node.MethodSet, ident, value)
}

// handleDevicePost maps POST onto the INVOKE verb, or onto PUT/NOTIFY for
// the metrics/events identifiers, extracting the single key/value pair
// from the body.
func (s *Server) handleDevicePost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ident := chi.URLParam(r, "ident")

	switch ident {
	case identMetrics, identEvents:
		key, value, err := singleKeyValue(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		auth := s.node.Resolve(id)
		if !auth.Valid {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, auth.Err)
			return
		}
		req := &node.Request{DeviceID: auth.DeviceID, Identifier: key}
		if ident == identMetrics {
			req.Method = node.MethodPut
			req.Value = value
		} else {
			req.Method = node.MethodNotify
			if params, ok := value.([]any); ok {
				req.Params = params
			} else {
				req.Params = []any{value}
			}
		}
		res, err := s.node.Dispatch(r.Context(), req)
		s.writeDeviceResult(w, auth.DeviceID, res, err)
		return
	}

	var params any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "request body must be JSON")
		return
	}
	s.callDevice(w, r, id, node.MethodInvoke, ident, params)
}

// callDevice connects to the device, performs one capability call, and
// disconnects. Connect hides whether the authoritative node is local or a
// peer.
func (s *Server) callDevice(w http.ResponseWriter, r *http.Request, id string, method node.Method, ident string, value any) {
	ctx := r.Context()
	proxy, err := s.node.Connect(ctx, id)
	if err != nil {
		s.writeDeviceResult(w, id, nil, err)
		return
	}
	defer func() {
		if err := s.node.Disconnect(context.Background(), proxy); err != nil {
			s.logger.Warn("disconnect after request failed", "device", id, "error", err)
		}
	}()

	var res any
	switch method {
	case node.MethodGet:
		res, err = proxy.Get(ctx, ident)
	case node.MethodSet:
		res, err = proxy.Set(ctx, ident, value)
	case node.MethodInvoke:
		res, err = proxy.Invoke(ctx, ident, value)
	case node.MethodSubscribe:
		res, err = proxy.Subscribe(ctx, ident)
	case node.MethodDescribe:
		res, err = proxy.Describe(ctx, ident)
	case node.MethodConfig:
		res, err = proxy.Config(ctx, ident, value)
	default:
		err = fmt.Errorf("%w: %s", node.ErrBadMethod, method)
	}
	s.writeDeviceResult(w, proxy.DeviceID(), res, err)
}

func (s *Server) writeDeviceResult(w http.ResponseWriter, id string, res any, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, deviceResult{DeviceID: id, Result: res})
	case errors.Is(err, node.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, node.ErrInvalidID), errors.Is(err, node.ErrBadMethod):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	}
}

// singleKeyValue extracts the one key/value pair from a JSON object body.
func singleKeyValue(r *http.Request) (string, any, error) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", nil, errors.New("request body must be a JSON object")
	}
	if len(body) != 1 {
		return "", nil, errors.New("request body must hold exactly one key/value pair")
	}
	for key, value := range body {
		return key, value, nil
	}
	return "", nil, errors.New("request body must hold exactly one key/value pair")
}
