// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rpc implements the stubs binding a local apiset to one remote
// peer over the wire protocol: the client side imports a remote API into
// the local registry, the server side exposes a local API to the peer.
package rpc

import (
	"encoding/json"

	"github.com/binderd/binderd/data"
	"github.com/binderd/binderd/internal/bid"
)

const pkgPath = "rpc"

// JSONType is the well-known data type name for JSON-encoded values
// crossing a stub: the payload is the encoded text itself.
const JSONType = "json"

// marshalData renders a request's parameter (or reply) array as the JSON
// string a frame carries. A single value of JSONType passes through
// untouched; anything else is encoded from its payload.
func marshalData(values []*data.Data) (string, error) {
	switch len(values) {
	case 0:
		return "null", nil
	case 1:
		if values[0].Type == JSONType {
			if s, ok := values[0].Payload().(string); ok {
				return s, nil
			}
		}
		b, err := json.Marshal(values[0].Payload())
		if err != nil {
			return "", bid.New(bid.InvalidRequest, pkgPath, "encoding %q data: %v", values[0].Type, err)
		}
		return string(b), nil
	default:
		payloads := make([]interface{}, len(values))
		for i, v := range values {
			payloads[i] = v.Payload()
		}
		b, err := json.Marshal(payloads)
		if err != nil {
			return "", bid.New(bid.InvalidRequest, pkgPath, "encoding data array: %v", err)
		}
		return string(b), nil
	}
}

// replyError reconstructs the error carried by a REPLY frame: an empty
// error field is success, otherwise the field names a bid kind and info
// carries the human-readable detail.
func replyError(errStr, info string) error {
	if errStr == "" {
		return nil
	}
	if info == "" {
		info = errStr
	}
	return bid.New(bid.Parse(errStr), pkgPath, "%s", info)
}

// wireError renders err into the REPLY frame's (error, info) pair.
func wireError(err error) (errStr, info string) {
	if err == nil {
		return "", ""
	}
	return bid.KindOf(err).String(), err.Error()
}
