// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package provider is the Provider Client: one typed Go method per upstream
// voucher-purchase endpoint (start_transaction, check_status, submit_otp,
// get_balance). Transport is resty, already the teacher's HTTP client of
// choice; retry/backoff is bounded and applies only to transport failures,
// never to application-level error codes, which are returned as data.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"

	"github.com/kaleido-io/voucherd/internal/confutil"
	"github.com/kaleido-io/voucherd/internal/i18n"
	"github.com/kaleido-io/voucherd/internal/log"
	"github.com/kaleido-io/voucherd/internal/msgs"
	"github.com/kaleido-io/voucherd/internal/retry"
)

// IsSuccess mirrors the upstream provider's own integer success code. 2 means
// the transaction settled; the Engine still must check VoucherCode to tell
// SUKSES from SUSPECT, per spec.md §4.3 step 3. Any other value is either
// still in flight (ErrorMessage empty) or an explicit application failure
// (ErrorMessage set).
const IsSuccessSettled = 2

type StartResult struct {
	TrxID       string `json:"trx_id"`
	OTPRequired bool   `json:"otp_required"`
}

type StatusResult struct {
	IsSuccess    int    `json:"is_success"`
	VoucherCode  string `json:"voucher_code"`
	ErrorMessage string `json:"error_message"`
}

type OtpResult struct {
	Accepted bool `json:"accepted"`
}

// Binding is the narrow subset of binding identity the Provider Client needs
// to route a call (the upstream endpoint is keyed by server host).
type Binding struct {
	ID     string
	Server string
}

// Config is the resty-backed HTTP transport configuration plus the retry
// budget applied to transport failures only.
type Config struct {
	BaseURL            string
	Timeout            *string
	Retry              retry.Config
	GlobalConcurrency  *int
	PerServerConcurrency *int
}

// Client is the Provider Client. It owns a resty.Client, a bounded retry
// policy for transport errors, and the global/per-server concurrency
// semaphores spec.md §5 requires.
type Client struct {
	http      *resty.Client
	retry     *retry.Retry
	global    chan struct{}
	perServer map[string]chan struct{}
	perServerMu sync.Mutex
	perServerCap int
}

func NewClient(cfg Config) *Client {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(confutil.DurationMin(cfg.Timeout, 1*time.Second, "10s"))

	perServerCap := confutil.IntMin(cfg.PerServerConcurrency, 1, 2)
	globalCap := confutil.IntMin(cfg.GlobalConcurrency, 1, 50)

	return &Client{
		http:         http,
		retry:        retry.NewRetryLimited(&retry.ConfigWithMax{Config: cfg.Retry, MaxAttempts: confutil.P(3)}),
		global:       make(chan struct{}, globalCap),
		perServer:    make(map[string]chan struct{}),
		perServerCap: perServerCap,
	}
}

// acquire blocks until both the global and per-server semaphores admit this
// call, honoring ctx cancellation while waiting (a suspension point per
// spec.md §5, never skipped even under a pending stop command).
func (c *Client) acquire(ctx context.Context, server string) (release func(), err error) {
	sem := c.serverSem(server)
	select {
	case c.global <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		<-c.global
		return nil, ctx.Err()
	}
	return func() {
		<-sem
		<-c.global
	}, nil
}

func (c *Client) serverSem(server string) chan struct{} {
	// Lazily created on first use of a server. One Client is shared by the
	// workers of every binding, so the map is guarded by perServerMu.
	c.perServerMu.Lock()
	defer c.perServerMu.Unlock()
	if sem, ok := c.perServer[server]; ok {
		return sem
	}
	sem := make(chan struct{}, c.perServerCap)
	c.perServer[server] = sem
	return sem
}

// StartTransaction begins a voucher purchase. Transport failures are retried
// per c.retry; a non-2xx response is returned as an error at once, without a
// retry.
func (c *Client) StartTransaction(ctx context.Context, b Binding, productID, email string, limitHarga int64) (StartResult, error) {
	release, err := c.acquire(ctx, b.Server)
	if err != nil {
		return StartResult{}, i18n.WrapError(ctx, err, msgs.MsgProviderTransportFailed, "start_transaction")
	}
	defer release()

	var result StartResult
	err = c.retry.Do(ctx, "start_transaction", func(attempt int) (bool, error) {
		resp, rerr := c.http.R().SetContext(ctx).
			SetBody(map[string]interface{}{
				"product_id": productID,
				"email":      email,
				"limit":      limitHarga,
			}).
			SetResult(&result).
			Post(fmt.Sprintf("/bindings/%s/transactions", b.ID))
		if rerr != nil {
			log.L(ctx).Debugf("start_transaction transport error (attempt %d): %s", attempt, rerr)
			return true, rerr
		}
		if resp.IsError() {
			return false, i18n.NewError(ctx, msgs.MsgProviderApplicationError, resp.StatusCode(), resp.String())
		}
		return false, nil
	})
	if err != nil {
		return StartResult{}, err
	}
	return result, nil
}

func (c *Client) CheckStatus(ctx context.Context, b Binding, trxID string) (StatusResult, error) {
	release, err := c.acquire(ctx, b.Server)
	if err != nil {
		return StatusResult{}, i18n.WrapError(ctx, err, msgs.MsgProviderTransportFailed, "check_status")
	}
	defer release()

	var result StatusResult
	err = c.retry.Do(ctx, "check_status", func(attempt int) (bool, error) {
		resp, rerr := c.http.R().SetContext(ctx).
			SetResult(&result).
			Get(fmt.Sprintf("/bindings/%s/transactions/%s", b.ID, trxID))
		if rerr != nil {
			log.L(ctx).Debugf("check_status transport error (attempt %d): %s", attempt, rerr)
			return true, rerr
		}
		if resp.IsError() {
			return false, i18n.NewError(ctx, msgs.MsgProviderApplicationError, resp.StatusCode(), resp.String())
		}
		return false, nil
	})
	if err != nil {
		return StatusResult{}, err
	}
	return result, nil
}

func (c *Client) SubmitOTP(ctx context.Context, b Binding, trxID, otp string) (OtpResult, error) {
	release, err := c.acquire(ctx, b.Server)
	if err != nil {
		return OtpResult{}, i18n.WrapError(ctx, err, msgs.MsgProviderTransportFailed, "submit_otp")
	}
	defer release()

	var result OtpResult
	err = c.retry.Do(ctx, "submit_otp", func(attempt int) (bool, error) {
		resp, rerr := c.http.R().SetContext(ctx).
			SetBody(map[string]interface{}{"otp": otp}).
			SetResult(&result).
			Post(fmt.Sprintf("/bindings/%s/transactions/%s/otp", b.ID, trxID))
		if rerr != nil {
			log.L(ctx).Debugf("submit_otp transport error (attempt %d): %s", attempt, rerr)
			return true, rerr
		}
		if resp.IsError() {
			return false, i18n.NewError(ctx, msgs.MsgProviderApplicationError, resp.StatusCode(), resp.String())
		}
		return false, nil
	})
	if err != nil {
		return OtpResult{}, err
	}
	return result, nil
}

func (c *Client) GetBalance(ctx context.Context, b Binding) (int64, error) {
	release, err := c.acquire(ctx, b.Server)
	if err != nil {
		return 0, i18n.WrapError(ctx, err, msgs.MsgProviderTransportFailed, "get_balance")
	}
	defer release()

	var result struct {
		Balance int64 `json:"balance"`
	}
	err = c.retry.Do(ctx, "get_balance", func(attempt int) (bool, error) {
		resp, rerr := c.http.R().SetContext(ctx).
			SetResult(&result).
			Get(fmt.Sprintf("/bindings/%s/balance", b.ID))
		if rerr != nil {
			log.L(ctx).Debugf("get_balance transport error (attempt %d): %s", attempt, rerr)
			return true, rerr
		}
		if resp.IsError() {
			return false, i18n.NewError(ctx, msgs.MsgProviderApplicationError, resp.StatusCode(), resp.String())
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	return result.Balance, nil
}

// DedupeKey derives a stable idempotency fingerprint for a (binding, trx_id)
// pair. The Persistence port does not use it: its OnConflict target is the
// binding_id and trx_id columns themselves. Narrow use of
// firefly-signer's 0x-prefixed hex byte type, the same representation the
// teacher uses for on-chain identifiers, repurposed here for a purely
// cosmetic stable key rather than any cryptographic value.
func DedupeKey(bindingID, trxID string) string {
	raw := []byte(bindingID + ":" + trxID)
	return ethtypes.HexBytes0xPrefix(raw).String()
}
