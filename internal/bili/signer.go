package bili

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "biliradar/pkg/logx"
)

const defaultNavURL = "https://api.bilibili.com/x/web-interface/nav"

// mixinKeyTab is the fixed reorder table for deriving the mixin key from
// the concatenated img+sub keys.
// See https://socialsisteryi.github.io/bilibili-API-collect/docs/misc/sign/wbi.html
var mixinKeyTab = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35, 27, 43, 5, 49,
	33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13, 37, 48, 7, 16, 24, 55, 40,
	61, 26, 17, 0, 1, 60, 51, 30, 4, 22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11,
	36, 20, 34, 44, 52,
}

type SignerConfig struct {
	NavURL    string        // key endpoint; defaults to the production nav API
	TTL       time.Duration // proactive refresh interval; default 12h
	UserAgent string
	Referer   string
	Timeout   time.Duration // per-refresh HTTP timeout; default 10s
}

// Signer caches WBI signing material and signs request parameters.
//
// Refresh is single-flight: when the material is stale or rejected, exactly
// one caller performs the refresh and every concurrent caller awaits that
// result instead of issuing its own.
type Signer struct {
	cfg  SignerConfig
	http *http.Client
	log  logx.Logger

	mu        sync.Mutex
	mixin     string
	fetchedAt time.Time
	inflight  chan struct{} // non-nil while a refresh is running
	lastErr   error         // outcome of the last completed refresh

	now func() time.Time // test hook
}

func NewSigner(cfg SignerConfig, log logx.Logger) *Signer {
	if cfg.NavURL == "" {
		cfg.NavURL = defaultNavURL
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Signer{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
		now:  time.Now,
	}
}

// Sign returns a copy of params with wts and w_rid appended. If the cached
// signing material is stale or absent, it refreshes first.
func (s *Signer) Sign(ctx context.Context, params url.Values) (url.Values, error) {
	mixin, err := s.ensureKey(ctx, false)
	if err != nil {
		return nil, err
	}

	signed := make(url.Values, len(params)+2)
	for k, vs := range params {
		signed[k] = append([]string(nil), vs...)
	}
	signed.Set("wts", strconv.FormatInt(s.now().Unix(), 10))

	// Encode() sorts keys, which is exactly what the signature requires.
	sum := md5.Sum([]byte(signed.Encode() + mixin))
	signed.Set("w_rid", hex.EncodeToString(sum[:]))
	return signed, nil
}

// ForceRefresh discards the cached material and fetches new keys. Used
// when the platform rejects a signature.
func (s *Signer) ForceRefresh(ctx context.Context) error {
	_, err := s.ensureKey(ctx, true)
	return err
}

// KeyAge reports how old the cached material is (0 if none). Operational
// signal for the status endpoint.
func (s *Signer) KeyAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchedAt.IsZero() {
		return 0
	}
	return s.now().Sub(s.fetchedAt)
}

func (s *Signer) validLocked() bool {
	return s.mixin != "" && s.now().Sub(s.fetchedAt) < s.cfg.TTL
}

func (s *Signer) ensureKey(ctx context.Context, force bool) (string, error) {
	s.mu.Lock()
	for {
		if !force && s.validLocked() {
			k := s.mixin
			s.mu.Unlock()
			return k, nil
		}
		if s.inflight == nil {
			break
		}
		// Await the in-flight refresh and adopt its outcome.
		done := s.inflight
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-done:
		}
		s.mu.Lock()
		if s.lastErr != nil {
			err := s.lastErr
			s.mu.Unlock()
			return "", err
		}
		// The leader refreshed; take its key on the next loop turn.
		force = false
	}

	done := make(chan struct{})
	s.inflight = done
	s.mu.Unlock()

	key, err := s.fetchKeys(ctx)

	s.mu.Lock()
	if err == nil {
		s.mixin = key
		s.fetchedAt = s.now()
	}
	s.lastErr = err
	s.inflight = nil
	close(done)
	s.mu.Unlock()

	if err != nil {
		return "", fmt.Errorf("wbi key refresh: %w", err)
	}
	return key, nil
}

func (s *Signer) fetchKeys(ctx context.Context) (string, error) {
	s.log.Info("fetching wbi keys", logx.String("url", s.cfg.NavURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.NavURL, nil)
	if err != nil {
		return "", err
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	if s.cfg.Referer != "" {
		req.Header.Set("Referer", s.cfg.Referer)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("nav endpoint returned http %d", resp.StatusCode)
	}

	// The nav API serves wbi_img even for anonymous sessions; the code
	// field is irrelevant here.
	var payload struct {
		Data struct {
			WbiImg struct {
				ImgURL string `json:"img_url"`
				SubURL string `json:"sub_url"`
			} `json:"wbi_img"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode nav response: %w", err)
	}

	imgKey := keyFromURL(payload.Data.WbiImg.ImgURL)
	subKey := keyFromURL(payload.Data.WbiImg.SubURL)
	if imgKey == "" || subKey == "" {
		return "", fmt.Errorf("nav response missing wbi_img urls")
	}

	mixin, err := mixinKey(imgKey, subKey)
	if err != nil {
		return "", err
	}
	s.log.Info("wbi keys refreshed", logx.String("img_key_prefix", prefix4(imgKey)))
	return mixin, nil
}

// keyFromURL extracts the key from a wbi_img URL: the file basename with
// its extension stripped.
func keyFromURL(u string) string {
	base := path.Base(u)
	if base == "." || base == "/" {
		return ""
	}
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return base
}

// mixinKey reorders the concatenated keys by the fixed table and keeps the
// first 32 characters.
func mixinKey(imgKey, subKey string) (string, error) {
	orig := imgKey + subKey
	if len(orig) < 64 {
		return "", fmt.Errorf("wbi keys too short (%d chars)", len(orig))
	}
	var b strings.Builder
	b.Grow(32)
	for _, i := range mixinKeyTab {
		b.WriteByte(orig[i])
		if b.Len() == 32 {
			break
		}
	}
	return b.String(), nil
}

func prefix4(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[:4] + "..."
}
