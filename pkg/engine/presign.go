// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
)

// presignAttempts is the retry budget for PresignClient.Resolve (§4.2).
const presignAttempts = 10

type presignRequestBody struct {
	Network      string `json:"network"`
	DownloadSign string `json:"download_sign"`
}

type presignResponseBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Endpoint string `json:"endpoint"`
	} `json:"data"`
}

// PresignClient resolves a signed token into a time-limited GET URL by
// calling the configured presign HTTP API.
type PresignClient struct {
	httpClient *http.Client
	presignAPI string
	network    string
	log        zerolog.Logger

	// baseDelay is the linear backoff unit (1s per §4.2). Tests shrink it
	// so a budget-exhaustion case doesn't wait through the full 1s+2s+...+9s
	// (45s) of backoff between presignAttempts attempts.
	baseDelay time.Duration
}

// NewPresignClient builds a PresignClient against presignAPI for network.
func NewPresignClient(httpClient *http.Client, presignAPI, network string, log zerolog.Logger) *PresignClient {
	return &PresignClient{
		httpClient: httpClient,
		presignAPI: presignAPI,
		network:    network,
		log:        log.With().Str("component", "presign").Logger(),
		baseDelay:  time.Second,
	}
}

// Resolve turns sign into a signed endpoint URL, retrying up to
// presignAttempts times with linear 1s*attempt backoff on transport errors,
// decode errors, and non-zero application codes.
func (c *PresignClient) Resolve(ctx context.Context, sign string) (string, error) {
	var endpoint string

	err := retry.Do(
		func() error {
			ep, err := c.resolveOnce(ctx, sign)
			if err != nil {
				return err
			}
			endpoint = ep
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(presignAttempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * c.baseDelay
		}),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn().Uint("attempt", n+1).Err(err).Str("sign", truncateSign(sign)).Msg("presign retry")
		}),
	)
	if err != nil {
		return "", newErr(KindBudgetExhausted, "presign.Resolve", err)
	}
	return endpoint, nil
}

func (c *PresignClient) resolveOnce(ctx context.Context, sign string) (string, error) {
	body, err := json.Marshal(presignRequestBody{Network: c.network, DownloadSign: sign})
	if err != nil {
		return "", newErr(KindDecode, "presign.resolveOnce", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.presignAPI, bytes.NewReader(body))
	if err != nil {
		return "", newErr(KindTransport, "presign.resolveOnce", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", newErr(KindTransport, "presign.resolveOnce", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", newErr(KindTransport, "presign.resolveOnce", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newErr(KindTransport, "presign.resolveOnce", fmt.Errorf("http status %d", resp.StatusCode))
	}

	var decoded presignResponseBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", newErr(KindDecode, "presign.resolveOnce", err)
	}
	if decoded.Code != 0 {
		return "", newErr(KindApplication, "presign.resolveOnce", fmt.Errorf("code=%d message=%s", decoded.Code, decoded.Message))
	}
	if decoded.Data.Endpoint == "" {
		return "", newErr(KindApplication, "presign.resolveOnce", fmt.Errorf("empty endpoint"))
	}

	return decoded.Data.Endpoint, nil
}

// withTestBaseDelay overrides the retry backoff unit; used by tests that
// need to exercise the full presignAttempts budget without waiting on it.
func (c *PresignClient) withTestBaseDelay(d time.Duration) *PresignClient {
	c.baseDelay = d
	return c
}

func truncateSign(sign string) string {
	if len(sign) <= 16 {
		return sign
	}
	return sign[:16] + "..."
}
