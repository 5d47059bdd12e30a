package upload

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type collector struct {
	t *testing.T

	failFirst int // leading requests answered 500 with no body
	ackBody   string
	ackStatus int

	requests int
	lastName string
	lastBody []byte
	lastType string
}

func (c *collector) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.requests++
		if c.requests <= c.failFirst {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		c.lastType = r.Header.Get("Content-Type")
		if _, params, err := mime.ParseMediaType(r.Header.Get("Content-Disposition")); err == nil {
			c.lastName = params["filename"]
		}
		body, _ := io.ReadAll(r.Body)
		c.lastBody = body

		if c.ackStatus != 0 {
			w.WriteHeader(c.ackStatus)
		}
		if c.ackBody != "" {
			io.WriteString(w, c.ackBody)
		}
	})
}

func newTestClient(t *testing.T, c *collector) (*Client, string) {
	t.Helper()
	c.t = t
	srv := httptest.NewServer(c.handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{Delay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client, srv.URL
}

func TestUpload_PlainHTTP200(t *testing.T) {
	c := &collector{}
	client, url := newTestClient(t, c)

	data := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	if err := client.Upload(context.Background(), url, "device1_1700000000_1.jpg", data); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if c.lastType != "application/octet-stream" {
		t.Fatalf("Content-Type = %q", c.lastType)
	}
	if c.lastName != "device1_1700000000_1.jpg" {
		t.Fatalf("disposition filename = %q", c.lastName)
	}
	if string(c.lastBody) != string(data) {
		t.Fatal("collector received different bytes")
	}
}

func TestUpload_JSONSuccessOverridesStatus(t *testing.T) {
	// Some collectors answer 202 with a JSON ack.
	c := &collector{ackStatus: http.StatusAccepted, ackBody: `{"status":"success"}`}
	client, url := newTestClient(t, c)

	if err := client.Upload(context.Background(), url, "f.jpg", []byte{1}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
}

func TestUpload_RetriesThenSucceeds(t *testing.T) {
	c := &collector{failFirst: 1}
	client, url := newTestClient(t, c)

	if err := client.Upload(context.Background(), url, "f.jpg", []byte{1}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if c.requests != 2 {
		t.Fatalf("collector hit %d times, want 2", c.requests)
	}
}

func TestUpload_BudgetExhausted(t *testing.T) {
	c := &collector{failFirst: 99}
	client, url := newTestClient(t, c)

	if err := client.Upload(context.Background(), url, "f.jpg", []byte{1}); err == nil {
		t.Fatal("Upload() succeeded against a failing collector")
	}
	if c.requests != DefaultAttempts {
		t.Fatalf("collector hit %d times, want %d", c.requests, DefaultAttempts)
	}
}

func TestUpload_Validation(t *testing.T) {
	client, url := newTestClient(t, &collector{})

	if err := client.Upload(context.Background(), "", "f.jpg", []byte{1}); err == nil {
		t.Fatal("Upload() accepted an empty destination")
	}
	if err := client.Upload(context.Background(), url, "", []byte{1}); err == nil {
		t.Fatal("Upload() accepted an empty filename")
	}
}
