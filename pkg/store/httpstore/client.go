// Package httpstore implements store.LeaseRecordStore as a client of a
// leasekeeper server, so contenders in separate processes share one store.
package httpstore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	resty "github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/pixperk/leasekeeper/pkg/types"
)

const (
	RequestTimeout   = 10 * time.Second
	RetryCount       = 3
	RetryWaitTime    = 100 * time.Millisecond
	RetryWaitTimeMax = 2 * time.Second
)

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

type Option func(*Client)

func WithRetry(count int, wait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.http.SetRetryCount(count)
		c.http.SetRetryWaitTime(wait)
		c.http.SetRetryMaxWaitTime(maxWait)
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

func New(baseURL string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		http:   resty.New(),
		logger: logger.Named("httpstore"),
	}

	c.http.SetBaseURL(baseURL)
	c.http.SetHeader("User-Agent", "leasekeeper")
	c.http.SetTimeout(RequestTimeout)
	c.http.SetRetryCount(RetryCount)
	c.http.SetRetryWaitTime(RetryWaitTime)
	c.http.SetRetryMaxWaitTime(RetryWaitTimeMax)

	//only reads are retried, and only while the cluster has no reachable leader
	//a write answered by a gateway error may have committed, resending it would
	//report our own lease as someone else's
	c.http.AddRetryCondition(func(resp *resty.Response, err error) bool {
		if resp == nil || resp.Request.Method != http.MethodGet {
			return false
		}
		switch resp.StatusCode() {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	})
	c.http.AddRetryHook(func(resp *resty.Response, err error) {
		if resp == nil {
			return
		}
		c.logger.Warn("retrying store request",
			zap.String("method", resp.Request.Method),
			zap.String("url", resp.Request.URL),
			zap.Int("status", resp.StatusCode()),
			zap.Int("attempt", resp.Request.Attempt),
		)
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Read(ctx context.Context, name string) (types.LeaseRecord, error) {
	var record types.LeaseRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetResult(&record).
		Get("/v1/records/{name}")
	if err != nil {
		return types.LeaseRecord{}, fmt.Errorf("read record %q: %w", name, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.LeaseRecord{}, statusError(resp, types.ErrAlreadyExists)
	}
	return record, nil
}

func (c *Client) CreateIfAbsent(ctx context.Context, name string, leasedUntil time.Time) (string, error) {
	var out types.VersionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetBody(types.CreateRecordRequest{LeasedUntil: leasedUntil}).
		SetResult(&out).
		Post("/v1/records/{name}")
	if err != nil {
		return "", fmt.Errorf("create record %q: %w", name, err)
	}
	if resp.StatusCode() != http.StatusCreated {
		return "", statusError(resp, types.ErrAlreadyExists)
	}
	return out.Version, nil
}

func (c *Client) ReplaceIfVersionMatches(ctx context.Context, name string, leasedUntil time.Time, expected string) (string, error) {
	var out types.VersionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetBody(types.ReplaceRecordRequest{LeasedUntil: leasedUntil, ExpectedVersion: expected}).
		SetResult(&out).
		Put("/v1/records/{name}")
	if err != nil {
		return "", fmt.Errorf("replace record %q: %w", name, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", statusError(resp, types.ErrVersionConflict)
	}
	return out.Version, nil
}

func (c *Client) CreateObject(ctx context.Context, name string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("name", name).
		Put("/v1/objects/{name}")
	if err != nil {
		return fmt.Errorf("create object %q: %w", name, err)
	}
	if resp.StatusCode() != http.StatusNoContent {
		return statusError(resp, types.ErrAlreadyExists)
	}
	return nil
}

func (c *Client) AcquireExclusive(ctx context.Context, name string, d time.Duration) (string, error) {
	var out types.LeaseResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetBody(types.AcquireLeaseRequest{DurationMS: leaseMillis(d)}).
		SetResult(&out).
		Post("/v1/objects/{name}/lease")
	if err != nil {
		return "", fmt.Errorf("acquire lease on %q: %w", name, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", statusError(resp, types.ErrConflict)
	}
	return out.Token, nil
}

func (c *Client) ReleaseExclusive(ctx context.Context, name, token string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"name": name, "token": token}).
		Delete("/v1/objects/{name}/lease/{token}")
	if err != nil {
		return fmt.Errorf("release lease on %q: %w", name, err)
	}
	if resp.StatusCode() != http.StatusNoContent {
		return statusError(resp, types.ErrLeaseMismatch)
	}
	return nil
}

// the wire carries whole milliseconds, sub-millisecond leases round up
func leaseMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// maps a non-success response back to the store sentinel it was produced from
// conflict is what a 409 means for the request that got it
func statusError(resp *resty.Response, conflict error) error {
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return types.ErrNotFound
	case http.StatusConflict:
		return conflict
	case http.StatusPreconditionFailed:
		return types.ErrVersionConflict
	case http.StatusGone:
		return types.ErrLeaseMismatch
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", types.ErrInvalidArgument, resp.String())
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", types.ErrNotLeader, resp.String())
	default:
		return fmt.Errorf("unexpected status %d from %s %s: %s",
			resp.StatusCode(), resp.Request.Method, resp.Request.URL, resp.String())
	}
}

// cluster view of the node serving this store
func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var out types.StatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/status")
	if err != nil {
		return types.StatusResponse{}, fmt.Errorf("get status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.StatusResponse{}, statusError(resp, types.ErrConflict)
	}
	return out, nil
}
