package bili

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	logx "biliradar/pkg/logx"
)

func testLogger(t *testing.T) logx.Logger {
	t.Helper()
	return logx.Nop()
}

func testSignerFor(t *testing.T, navCalls *atomic.Int64) (*Signer, func()) {
	t.Helper()
	srv := navServer(t, navCalls)
	s := NewSigner(SignerConfig{NavURL: srv.URL}, testLogger(t))
	return s, srv.Close
}

const happyVideoBody = `{"code":0,"message":"0","data":{"list":{"vlist":[
	{"bvid":"BV1xx411c7mD","title":"hello","author":"alice","mid":1850091,"created":1700000000}
]}}}`

func TestClientLatestVideo(t *testing.T) {
	signer, closeNav := testSignerFor(t, nil)
	defer closeNav()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("mid") != "1850091" || q.Get("order") != "pubdate" ||
			q.Get("pn") != "1" || q.Get("ps") != "1" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Get("w_rid") == "" || q.Get("wts") == "" {
			t.Error("request is not signed")
		}
		fmt.Fprint(w, happyVideoBody)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{ArcSearchURL: srv.URL}, signer, testLogger(t))
	item, err := c.LatestVideo(context.Background(), 1850091)
	if err != nil {
		t.Fatalf("LatestVideo: %v", err)
	}
	if item == nil {
		t.Fatal("LatestVideo returned nil item")
	}
	if item.BVID != "BV1xx411c7mD" || item.Title != "hello" ||
		item.Author != "alice" || item.MID != 1850091 || item.CreatedTS != 1700000000 {
		t.Fatalf("unexpected item: %+v", item)
	}
	if want := "https://www.bilibili.com/video/BV1xx411c7mD"; item.URL() != want {
		t.Errorf("URL = %q, want %q", item.URL(), want)
	}
}

func TestClientNoVideos(t *testing.T) {
	signer, closeNav := testSignerFor(t, nil)
	defer closeNav()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"message":"0","data":{"list":{"vlist":[]}}}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{ArcSearchURL: srv.URL}, signer, testLogger(t))
	item, err := c.LatestVideo(context.Background(), 42)
	if err != nil {
		t.Fatalf("LatestVideo: %v", err)
	}
	if item != nil {
		t.Fatalf("want nil item for empty upload list, got %+v", item)
	}
}

func TestClientErrorClassification(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"anti-bot code", 200, `{"code":-412,"message":"request rejected"}`, ErrRateLimited},
		{"too frequent code", 200, `{"code":-799,"message":"too fast"}`, ErrRateLimited},
		{"http 429", 429, `slow down`, ErrRateLimited},
		{"http 500", 500, `boom`, ErrTransient},
		{"http 404", 404, `gone`, ErrPermanent},
		{"malformed json", 200, `<html>not json</html>`, ErrPermanent},
		{"upstream error code", 200, `{"code":-404,"message":"user not found"}`, ErrPermanent},
		{"missing bvid", 200, `{"code":0,"data":{"list":{"vlist":[{"title":"x"}]}}}`, ErrPermanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			signer, closeNav := testSignerFor(t, nil)
			defer closeNav()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			c := NewClient(ClientConfig{ArcSearchURL: srv.URL}, signer, testLogger(t))
			_, err := c.LatestVideo(context.Background(), 1)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("LatestVideo error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestClientSignRejectionRetriesOnce(t *testing.T) {
	var navCalls atomic.Int64
	signer, closeNav := testSignerFor(t, &navCalls)
	defer closeNav()

	var arcCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if arcCalls.Add(1) == 1 {
			fmt.Fprint(w, `{"code":-403,"message":"wbi sign invalid"}`)
			return
		}
		fmt.Fprint(w, happyVideoBody)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{ArcSearchURL: srv.URL}, signer, testLogger(t))
	item, err := c.LatestVideo(context.Background(), 1850091)
	if err != nil {
		t.Fatalf("LatestVideo: %v", err)
	}
	if item == nil || item.BVID != "BV1xx411c7mD" {
		t.Fatalf("retry did not recover, item = %+v", item)
	}
	if n := arcCalls.Load(); n != 2 {
		t.Fatalf("arc endpoint hit %d times, want 2", n)
	}
	// Initial key fetch plus the forced refresh.
	if n := navCalls.Load(); n != 2 {
		t.Fatalf("nav endpoint hit %d times, want 2", n)
	}
}

func TestClientPersistentSignRejection(t *testing.T) {
	signer, closeNav := testSignerFor(t, nil)
	defer closeNav()

	var arcCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arcCalls.Add(1)
		fmt.Fprint(w, `{"code":-403,"message":"check sign failed","data":{"v_voucher":"voucher_xyz"}}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{ArcSearchURL: srv.URL}, signer, testLogger(t))
	_, err := c.LatestVideo(context.Background(), 1)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("LatestVideo error = %v, want ErrSignatureInvalid", err)
	}
	if n := arcCalls.Load(); n != 2 {
		t.Fatalf("arc endpoint hit %d times, want exactly 2 (one retry)", n)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrRateLimited, "rate_limited"},
		{fmt.Errorf("wrapped: %w", ErrTransient), "transient"},
		{ErrSignatureInvalid, "signature_invalid"},
		{ErrPermanent, "permanent"},
		{errors.New("other"), "error"},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
