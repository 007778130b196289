package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mingxin1a/paas-platform-sub000/internal/contract"
)

const maxUpstreamBody = 32 << 20

// ClientOptions configure the pooled upstream client.
type ClientOptions struct {
	Timeout         time.Duration
	Retries         int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	MaxIdleConns    int
	MaxConnsPerHost int
}

// upstreamResponse is a fully buffered unit answer.
type upstreamResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// attemptFunc observes every attempt: resp is nil when err is a transport failure.
type attemptFunc func(resp *upstreamResponse, err error)

type statusError struct{ status int }

func (e statusError) Error() string { return fmt.Sprintf("upstream answered %d", e.status) }

// Client sends requests to units over a shared connection pool and retries
// idempotent requests on network errors and 5xx answers.
type Client struct {
	http    *http.Client
	retries int
	initial time.Duration
	max     time.Duration
}

func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 100 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = 20 * opts.BackoffInitial
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 256
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        opts.MaxIdleConns,
		MaxIdleConnsPerHost: opts.MaxIdleConns,
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		DisableCompression:  true,
	}
	return &Client{
		http:    &http.Client{Timeout: opts.Timeout, Transport: transport},
		retries: opts.Retries,
		initial: opts.BackoffInitial,
		max:     opts.BackoffMax,
	}
}

// Do sends the request, retrying with jittered exponential backoff when the
// method is idempotent. The last upstream response is returned together with
// the error that ended the attempts, if any.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, body []byte, onAttempt attemptFunc) (*upstreamResponse, int, error) {
	retryable := contract.IsIdempotent(method)
	retries := uint64(0)
	if retryable && c.retries > 0 {
		retries = uint64(c.retries)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.max
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	var last *upstreamResponse
	attempts := 0
	op := func() error {
		attempts++
		resp, err := c.once(ctx, method, url, header, body)
		if onAttempt != nil {
			onAttempt(resp, err)
		}
		last = resp
		if err == nil && resp.Status >= 500 {
			err = statusError{status: resp.Status}
		}
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))
	return last, attempts, err
}

func (c *Client) once(ctx context.Context, method, url string, header http.Header, body []byte) (*upstreamResponse, error) {
	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header = header.Clone()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxUpstreamBody {
		return nil, backoff.Permanent(errors.New("upstream body exceeds limit"))
	}
	return &upstreamResponse{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// CloseIdle drops pooled connections.
func (c *Client) CloseIdle() { c.http.CloseIdleConnections() }
