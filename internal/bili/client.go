package bili

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "biliradar/pkg/logx"
)

const defaultArcSearchURL = "https://api.bilibili.com/x/space/wbi/arc/search"

// Upstream status codes with dedicated handling.
const (
	codeOK          = 0
	codeAntiBot     = -412 // anti-bot interception
	codeRequestFast = -799 // explicit "request too frequent"
)

type ClientConfig struct {
	ArcSearchURL string        // upload-list endpoint; defaults to production
	Timeout      time.Duration // per-request; default 10s
	UserAgent    string
	Referer      string
	SessData     string // optional session cookie
	Buvid3       string // optional device cookie
}

// Client fetches an uploader's latest videos through signed requests.
type Client struct {
	signer *Signer
	log    logx.Logger

	mu   sync.Mutex
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig, signer *Signer, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{signer: signer, log: log}
	c.Apply(cfg)
	return c
}

// Apply swaps the request knobs at runtime (hot reload).
func (c *Client) Apply(cfg ClientConfig) {
	if cfg.ArcSearchURL == "" {
		cfg.ArcSearchURL = defaultArcSearchURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c.mu.Lock()
	c.cfg = cfg
	c.http = &http.Client{Timeout: cfg.Timeout}
	c.mu.Unlock()
}

// LatestVideo returns the uploader's most recent video, or (nil, nil) when
// the uploader has no videos. On a signature rejection it refreshes the
// signing material and retries exactly once.
func (c *Client) LatestVideo(ctx context.Context, mid int64) (*Item, error) {
	return c.latestVideo(ctx, mid, true)
}

func (c *Client) latestVideo(ctx context.Context, mid int64, retryOnSignError bool) (*Item, error) {
	params := url.Values{}
	params.Set("mid", strconv.FormatInt(mid, 10))
	params.Set("order", "pubdate")
	params.Set("pn", "1")
	params.Set("ps", "1")

	signed, err := c.signer.Sign(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	c.mu.Lock()
	cfg := c.cfg
	httpc := c.http
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.ArcSearchURL+"?"+signed.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}
	if cfg.Referer != "" {
		req.Header.Set("Referer", cfg.Referer)
	}
	if cfg.SessData != "" {
		req.AddCookie(&http.Cookie{Name: "SESSDATA", Value: cfg.SessData})
	}
	if cfg.Buvid3 != "" {
		req.AddCookie(&http.Cookie{Name: "buvid3", Value: cfg.Buvid3})
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: http %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrPermanent, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	var payload arcSearchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode: %v (body prefix: %s)", ErrPermanent, err, bodyPrefix(body))
	}

	switch payload.Code {
	case codeOK:
		// fall through to parsing
	case codeAntiBot, codeRequestFast:
		return nil, fmt.Errorf("%w: code %d", ErrRateLimited, payload.Code)
	default:
		if retryOnSignError && looksLikeSignError(payload) {
			c.log.Info("possible signature rejection; refreshing wbi keys",
				logx.Int64("mid", mid), logx.Int("code", payload.Code))
			if err := c.signer.ForceRefresh(ctx); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrTransient, err)
			}
			return c.latestVideo(ctx, mid, false)
		}
		if looksLikeSignError(payload) {
			return nil, fmt.Errorf("%w: code %d: %s", ErrSignatureInvalid, payload.Code, payload.Message)
		}
		return nil, fmt.Errorf("%w: code %d: %s", ErrPermanent, payload.Code, payload.Message)
	}

	return parseLatest(payload, body)
}

type arcSearchResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		VVoucher string `json:"v_voucher"`
		List     struct {
			VList []struct {
				BVID    string `json:"bvid"`
				Title   string `json:"title"`
				Author  string `json:"author"`
				MID     int64  `json:"mid"`
				Created int64  `json:"created"`
			} `json:"vlist"`
		} `json:"list"`
	} `json:"data"`
}

func looksLikeSignError(p arcSearchResponse) bool {
	return strings.Contains(strings.ToLower(p.Message), "sign") || p.Data.VVoucher != ""
}

func parseLatest(p arcSearchResponse, body []byte) (*Item, error) {
	vlist := p.Data.List.VList
	if len(vlist) == 0 {
		return nil, nil
	}
	v := vlist[0]
	if v.BVID == "" || v.Created == 0 {
		return nil, fmt.Errorf("%w: vlist entry missing bvid/created (body prefix: %s)",
			ErrPermanent, bodyPrefix(body))
	}
	author := v.Author
	if author == "" {
		author = "unknown uploader"
	}
	return &Item{
		BVID:      v.BVID,
		Title:     v.Title,
		Author:    author,
		MID:       v.MID,
		CreatedTS: v.Created,
	}, nil
}

func bodyPrefix(b []byte) string {
	const n = 200
	s := string(b)
	if len(s) > n {
		s = s[:n] + "..."
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, s)
}

// Classify maps an upstream error to a short label for logs and counters.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
