// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// tokenPayload is the struct carried, base64-encoded, inside a signed
// token's "download_path" claim. The real-world signer this engine is
// modeled on msgpack-encodes this struct; msgpack has no representation in
// this module's dependency set, so the payload is carried as JSON instead
// (see DESIGN.md). Decoding remains a pure, deterministic function of the
// token string either way.
type tokenPayload struct {
	Proto  string `json:"proto"`
	Path   string `json:"path"`
	Prefix string `json:"prefix"`
}

// DecodeSign decodes an opaque signed token into a StorageDescriptor. The
// token is an unverified JWT (the signing service, not this engine, is
// responsible for trusting it) whose "download_path" claim is a
// base64-encoded, JSON-serialized tokenPayload. Decoding never contacts the
// network and is safe to call concurrently.
func DecodeSign(sign string) (StorageDescriptor, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(sign, claims); err != nil {
		return StorageDescriptor{}, fmt.Errorf("decode sign: parse jwt: %w", err)
	}

	raw, ok := claims["download_path"]
	if !ok {
		return StorageDescriptor{}, fmt.Errorf("decode sign: missing download_path claim")
	}
	encoded, ok := raw.(string)
	if !ok {
		return StorageDescriptor{}, fmt.Errorf("decode sign: download_path claim is not a string")
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return StorageDescriptor{}, fmt.Errorf("decode sign: base64 decode: %w", err)
	}

	var payload tokenPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return StorageDescriptor{}, fmt.Errorf("decode sign: unmarshal payload: %w", err)
	}
	if payload.Path == "" {
		return StorageDescriptor{}, fmt.Errorf("decode sign: empty path in payload")
	}

	return StorageDescriptor{
		Proto:  payload.Proto,
		Path:   payload.Path,
		Prefix: payload.Prefix,
	}, nil
}

// EncodeSign is the inverse of DecodeSign, provided for tests and for
// embedders that mint their own tokens against a local signing stub. It is
// not part of the real signing flow: production tokens arrive already
// signed from an external service.
func EncodeSign(d StorageDescriptor) (string, error) {
	payload, err := json.Marshal(tokenPayload{Proto: d.Proto, Path: d.Path, Prefix: d.Prefix})
	if err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(payload)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"download_path": encoded,
	})
	return token.SignedString(jwt.UnsafeAllowNoneSignatureType)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
