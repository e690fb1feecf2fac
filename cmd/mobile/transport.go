package main

/*
#include <stdlib.h>

// Host-supplied network callbacks. Both return a malloc'd JSON
// envelope that the Go side frees:
//   {"ok":true,"page":{...}} | {"ok":true,"item":{...}} | {"ok":true,"ack":{...}}
//   {"ok":false,"code":"NETWORK_ERROR"|"SEMANTIC_ERROR","message":"..."}
//
// fetch kinds: "page" (a=partition, b=cursor) and "record" (a=id).
typedef const char* (*peated_fetch_fn)(const char* kind, const char* a, const char* b, int limit);
typedef const char* (*peated_send_fn)(const char* op_json);

static const char* peated_call_fetch(peated_fetch_fn fn, const char* kind, const char* a, const char* b, int limit) {
	return fn(kind, a, b, limit);
}
static const char* peated_call_send(peated_send_fn fn, const char* op_json) {
	return fn(op_json);
}
*/
import "C"
import (
	"context"
	"encoding/json"
	"sync"
	"unsafe"

	"github.com/peatedapp/peated-core/internal/errors"
	"github.com/peatedapp/peated-core/internal/models"
	"github.com/peatedapp/peated-core/internal/remote"
)

// ffiTransport adapts the host's registered C callbacks to the core's
// Fetcher and Mutator interfaces. The C calls are synchronous; the
// context only bounds the Go side.
type ffiTransport struct {
	mu    sync.RWMutex
	fetch C.peated_fetch_fn
	send  C.peated_send_fn
}

func (t *ffiTransport) register(fetch C.peated_fetch_fn, send C.peated_send_fn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetch = fetch
	t.send = send
}

func (t *ffiTransport) callbacks() (C.peated_fetch_fn, C.peated_send_fn) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fetch, t.send
}

// FetchPage implements remote.Fetcher.
func (t *ffiTransport) FetchPage(_ context.Context, partition, cursor string, limit int) (*remote.Page, error) {
	fetch, _ := t.callbacks()
	if fetch == nil {
		return nil, errors.New(errors.ErrNetwork, "no transport registered")
	}

	kind := C.CString("page")
	defer C.free(unsafe.Pointer(kind))
	a := C.CString(partition)
	defer C.free(unsafe.Pointer(a))
	b := C.CString(cursor)
	defer C.free(unsafe.Pointer(b))

	env, err := decodeEnvelope(C.peated_call_fetch(fetch, kind, a, b, C.int(limit)))
	if err != nil {
		return nil, err
	}
	return remote.DecodePage(env.Page)
}

// FetchOne implements remote.Fetcher.
func (t *ffiTransport) FetchOne(_ context.Context, id string) (*remote.Item, error) {
	fetch, _ := t.callbacks()
	if fetch == nil {
		return nil, errors.New(errors.ErrNetwork, "no transport registered")
	}

	kind := C.CString("record")
	defer C.free(unsafe.Pointer(kind))
	a := C.CString(id)
	defer C.free(unsafe.Pointer(a))
	b := C.CString("")
	defer C.free(unsafe.Pointer(b))

	env, err := decodeEnvelope(C.peated_call_fetch(fetch, kind, a, b, 1))
	if err != nil {
		return nil, err
	}
	return remote.DecodeItem(id, env.Item)
}

// Send implements remote.Mutator.
func (t *ffiTransport) Send(_ context.Context, op *models.OfflineOperation) (*remote.Ack, error) {
	_, send := t.callbacks()
	if send == nil {
		return nil, errors.New(errors.ErrNetwork, "no transport registered")
	}

	body, err := json.Marshal(map[string]interface{}{
		"id":      op.ID,
		"type":    op.Type,
		"payload": op.Payload,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to encode operation", err)
	}

	opJSON := C.CString(string(body))
	defer C.free(unsafe.Pointer(opJSON))

	env, err := decodeEnvelope(C.peated_call_send(send, opJSON))
	if err != nil {
		return nil, err
	}
	if len(env.Ack) == 0 {
		return &remote.Ack{}, nil
	}
	return remote.DecodeAck(env.Ack)
}

type envelope struct {
	OK      bool            `json:"ok"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Page    json.RawMessage `json:"page"`
	Item    json.RawMessage `json:"item"`
	Ack     json.RawMessage `json:"ack"`
}

// decodeEnvelope parses and frees a host callback result. A null
// result or an ok=false envelope maps onto the core's error classes.
func decodeEnvelope(raw *C.char) (*envelope, error) {
	if raw == nil {
		return nil, errors.New(errors.ErrNetwork, "transport returned null")
	}
	defer C.free(unsafe.Pointer(raw))

	var env envelope
	if err := json.Unmarshal([]byte(C.GoString(raw)), &env); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "malformed transport envelope", err)
	}
	if !env.OK {
		code := errors.ErrNetwork
		if env.Code == string(errors.ErrSemantic) {
			code = errors.ErrSemantic
		}
		msg := env.Message
		if msg == "" {
			msg = "transport failure"
		}
		return nil, errors.New(code, msg)
	}
	return &env, nil
}
