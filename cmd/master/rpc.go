package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/buildxl/distproxy/internal/graphcache"
)

// lookupRequest/storeRequest are this binary's own wire contract for the two
// graph-cache methods it exposes — gob-encoded over the same dispatcher path
// every other method payload travels.
type lookupRequest struct {
	Root    graphcache.Fingerprint
	Paths   []graphcache.PathObservation
	EnvVars []graphcache.EnvVarObservation
	Mounts  []graphcache.MountObservation
}

type lookupResponse struct {
	Status     graphcache.LookupStatus
	Descriptor []byte
	Failure    graphcache.FailureKind
}

type storeRequest struct {
	Root       graphcache.Fingerprint
	Paths      []graphcache.PathObservation
	EnvVars    []graphcache.EnvVarObservation
	Mounts     []graphcache.MountObservation
	Descriptor []byte
}

type storeResponse struct {
	Status     graphcache.StoreStatus
	Descriptor []byte
	Failure    graphcache.FailureKind
}

func decodeGob(payload []byte, dst any) error {
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(dst)
}

func encodeGob(src any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(src); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// echoHandler simply returns the request payload — used by workers to
// exercise the connection manager's retry path without touching the
// graph-cache, and as the heartbeat supervisor's probe target.
func echoHandler(ctx context.Context, traceID [16]byte, payload []byte) ([]byte, error) {
	return payload, nil
}

// graphCacheLookupHandler answers a worker's graph-cache Lookup call.
func graphCacheLookupHandler(resolver *graphcache.Resolver) func(context.Context, [16]byte, []byte) ([]byte, error) {
	return func(ctx context.Context, traceID [16]byte, payload []byte) ([]byte, error) {
		var req lookupRequest
		if err := decodeGob(payload, &req); err != nil {
			return nil, fmt.Errorf("decode lookup request: %w", err)
		}
		desc := graphcache.NewInputDescriptor(req.Paths, req.EnvVars, req.Mounts)
		result := resolver.Lookup(ctx, req.Root, desc)
		return encodeGob(lookupResponse{Status: result.Status, Descriptor: result.Descriptor, Failure: result.Failure})
	}
}

// graphCacheStoreHandler answers a worker's graph-cache Store call.
func graphCacheStoreHandler(resolver *graphcache.Resolver) func(context.Context, [16]byte, []byte) ([]byte, error) {
	return func(ctx context.Context, traceID [16]byte, payload []byte) ([]byte, error) {
		var req storeRequest
		if err := decodeGob(payload, &req); err != nil {
			return nil, fmt.Errorf("decode store request: %w", err)
		}
		observed := graphcache.NewInputDescriptor(req.Paths, req.EnvVars, req.Mounts)
		result := resolver.Store(ctx, req.Root, observed, req.Descriptor)
		return encodeGob(storeResponse{Status: result.Status, Descriptor: result.Descriptor, Failure: result.Failure})
	}
}
