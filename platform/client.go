// Package platform contains the REST client for the streaming platform: target status,
// the current viewer list, page and config fetches used by credential extraction, and
// thumbnail capture. Every call is single-attempt except HTTP 429, which waits a fixed
// delay and retries the same request once.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/ratelimit"
	"golang.org/x/oauth2"

	"github.com/onnwee/castwatch/telemetry"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Status values reported by the platform.
const (
	StatusPublic  = "public"
	StatusPrivate = "private"
	StatusP2P     = "p2p"
	StatusOff     = "off"
	StatusUnknown = "unknown"
)

// IsOnline reports whether a platform status counts as broadcasting.
func IsOnline(status string) bool {
	return status == StatusPublic || status == StatusPrivate || status == StatusP2P
}

// CastStatus is the result of one status poll.
type CastStatus struct {
	Status      string
	ViewerCount int
	ModelID     string
}

// Online reports whether the polled status counts as broadcasting.
func (s CastStatus) Online() bool { return IsOnline(s.Status) }

// ViewerAuth carries optional credentials for the viewer list.
type ViewerAuth struct {
	BearerToken string
	CFClearance string
	Cookies     string
}

// Client talks to the platform REST endpoints.
type Client struct {
	BaseURL       string // e.g. https://stripchat.com
	StatusBaseURL string // e.g. https://ja.stripchat.com
	HTTPClient    *http.Client
	// RateLimitDelay is the wait before the single 429 retry.
	RateLimitDelay time.Duration

	limiter ratelimit.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client pacing outbound requests to rps per second (0 disables pacing).
func NewClient(baseURL, statusBaseURL string, timeout time.Duration, rps int) *Client {
	c := &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		StatusBaseURL:  strings.TrimRight(statusBaseURL, "/"),
		HTTPClient:     &http.Client{Timeout: timeout},
		RateLimitDelay: 10 * time.Second,
	}
	if rps > 0 {
		c.limiter = ratelimit.New(rps)
	}
	return c
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// do issues the request built by newReq, retrying once after RateLimitDelay on 429.
// The caller owns closing the returned body.
func (c *Client) do(ctx context.Context, endpoint string, hc *http.Client, newReq func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			c.limiter.Take()
		}
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		resp, err := hc.Do(req)
		if err != nil {
			telemetry.IncPlatformRequest(endpoint, "error")
			return nil, fmt.Errorf("%s request: %w", endpoint, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			drainClose(resp)
			telemetry.IncPlatformRequest(endpoint, "rate_limited")
			delay := c.RateLimitDelay
			if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && ra > 0 && time.Duration(ra)*time.Second < delay {
				delay = time.Duration(ra) * time.Second
			}
			slog.Warn("platform rate limited, retrying once", slog.String("endpoint", endpoint), slog.Duration("delay", delay), slog.String("component", "platform"))
			if err := c.wait(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			drainClose(resp)
			se := &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
			telemetry.IncPlatformRequest(endpoint, Classify(se).String())
			return nil, se
		}
		telemetry.IncPlatformRequest(endpoint, "ok")
		return resp, nil
	}
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

func browserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "ja,en-US;q=0.9,en;q=0.8")
}

// GetStatus resolves a target name to its broadcast status, viewer count and numeric id.
// A 404 means the target is off; a 403 (anti-bot interstitial) yields StatusUnknown
// together with the error so callers do not treat it as a transition.
func (c *Client) GetStatus(ctx context.Context, name string) (CastStatus, error) {
	if name == "" {
		return CastStatus{Status: StatusUnknown}, fmt.Errorf("name empty")
	}
	u := c.StatusBaseURL + "/api/front/v2/models/username/" + url.PathEscape(name) + "/cam"
	resp, err := c.do(ctx, "status", c.http(), func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		browserHeaders(req)
		return req, nil
	})
	if err != nil {
		if Classify(err) == ErrorClassNotFound {
			return CastStatus{Status: StatusOff}, nil
		}
		return CastStatus{Status: StatusUnknown}, err
	}
	defer closeBody(resp)

	var body struct {
		User struct {
			Status       string      `json:"status"`
			ViewersCount json.Number `json:"viewersCount"`
			Viewers      json.Number `json:"viewers"`
			ID           json.Number `json:"id"`
		} `json:"user"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return CastStatus{Status: StatusUnknown}, &DecodeError{Endpoint: "status", Err: err}
	}
	st := CastStatus{Status: body.User.Status, ModelID: body.User.ID.String()}
	if st.Status == "" {
		st.Status = StatusOff
	}
	if n, err := body.User.ViewersCount.Int64(); err == nil && n > 0 {
		st.ViewerCount = int(n)
	} else if n, err := body.User.Viewers.Int64(); err == nil {
		st.ViewerCount = int(n)
	}
	return st, nil
}

// GetViewers lists the current viewers of a target. A bearer token, the anti-bot cookie and
// session cookies are attached when present; a 401 is returned as a StatusError.
func (c *Client) GetViewers(ctx context.Context, name string, auth ViewerAuth) ([]Viewer, error) {
	u := c.BaseURL + "/api/front/v2/models/username/" + url.PathEscape(name) + "/members"
	hc := c.http()
	if auth.BearerToken != "" {
		hc = &http.Client{
			Timeout: hc.Timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: auth.BearerToken, TokenType: "Bearer"}),
				Base:   hc.Transport,
			},
		}
	}
	resp, err := c.do(ctx, "viewers", hc, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		browserHeaders(req)
		var cookies []string
		if auth.CFClearance != "" {
			cookies = append(cookies, "cf_clearance="+auth.CFClearance)
		}
		if auth.Cookies != "" {
			cookies = append(cookies, auth.Cookies)
		}
		if len(cookies) > 0 {
			req.Header.Set("Cookie", strings.Join(cookies, "; "))
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("viewers read: %w", err)
	}
	viewers, err := ParseViewers(raw)
	if err != nil {
		return nil, &DecodeError{Endpoint: "viewers", Err: err}
	}
	return viewers, nil
}

// Page is a fetched HTML document plus the anti-bot cookie it set, if any.
type Page struct {
	Body        string
	CFClearance string
}

// FetchModelPage fetches the public page of a target.
func (c *Client) FetchModelPage(ctx context.Context, name string) (Page, error) {
	u := c.BaseURL + "/" + url.PathEscape(name)
	resp, err := c.do(ctx, "page", c.http(), func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		browserHeaders(req)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		return req, nil
	})
	if err != nil {
		return Page{}, err
	}
	defer closeBody(resp)
	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Page{}, fmt.Errorf("page read: %w", err)
	}
	return Page{Body: string(b), CFClearance: cookieValue(resp, "cf_clearance")}, nil
}

// FetchConfig fetches the front-end configuration document as raw JSON.
func (c *Client) FetchConfig(ctx context.Context) (json.RawMessage, string, error) {
	u := c.BaseURL + "/api/front/v2/config"
	resp, err := c.do(ctx, "config", c.http(), func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		browserHeaders(req)
		return req, nil
	})
	if err != nil {
		return nil, "", err
	}
	defer closeBody(resp)
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, "", fmt.Errorf("config read: %w", err)
	}
	if !json.Valid(b) {
		return nil, "", &DecodeError{Endpoint: "config", Err: fmt.Errorf("invalid json")}
	}
	return json.RawMessage(b), cookieValue(resp, "cf_clearance"), nil
}

// FirstLiveModel returns the name of the most-watched live target from the public listing.
func (c *Client) FirstLiveModel(ctx context.Context) (string, error) {
	u := c.BaseURL + "/api/front/models?limit=1&primaryTag=girls&sortBy=viewersRating"
	resp, err := c.do(ctx, "listing", c.http(), func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		browserHeaders(req)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	var body struct {
		Models []struct {
			Username string `json:"username"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &DecodeError{Endpoint: "listing", Err: err}
	}
	if len(body.Models) == 0 || body.Models[0].Username == "" {
		return "", fmt.Errorf("listing: no live models")
	}
	return body.Models[0].Username, nil
}

// Thumbnail is a captured preview image.
type Thumbnail struct {
	URL  string
	Data []byte
}

// FetchThumbnail downloads the current preview image for a numeric model id from cdnBase.
// Non-image responses and images under 1000 bytes (placeholders) are rejected.
func (c *Client) FetchThumbnail(ctx context.Context, cdnBase, modelID string, now time.Time) (Thumbnail, error) {
	u := fmt.Sprintf("%s/%d/%s_webp", strings.TrimRight(cdnBase, "/"), now.Unix(), url.PathEscape(modelID))
	resp, err := c.do(ctx, "thumbnail", c.http(), func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "image/webp,image/*,*/*")
		return req, nil
	})
	if err != nil {
		return Thumbnail{}, err
	}
	defer closeBody(resp)
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "image") {
		return Thumbnail{}, fmt.Errorf("thumbnail: non-image content type %q", ct)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Thumbnail{}, fmt.Errorf("thumbnail read: %w", err)
	}
	if len(b) < 1000 {
		return Thumbnail{}, fmt.Errorf("thumbnail: %d bytes, likely placeholder", len(b))
	}
	return Thumbnail{URL: u, Data: b}, nil
}

func cookieValue(resp *http.Response, name string) string {
	for _, ck := range resp.Cookies() {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}
