package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req embedReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "nomic-embed-text" || req.Prompt != "red shoes" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.25]}`))
	}))
	defer srv.Close()

	vec, err := New(srv.URL+"/", nil).Embed(context.Background(), "nomic-embed-text", "red shoes")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 2 || vec[0] != 0.5 || vec[1] != 0.25 {
		t.Fatalf("unexpected vector %v", vec)
	}
}

func TestEmbedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.Embed(context.Background(), "m", "x")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestChatSendsImagesBase64(t *testing.T) {
	img := []byte{0xff, 0xd8, 0xff}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req chatReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("chat must not stream")
		}
		if len(req.Messages) != 2 || len(req.Messages[1].Images) != 1 {
			t.Errorf("unexpected messages %+v", req.Messages)
		} else if req.Messages[1].Images[0] != base64.StdEncoding.EncodeToString(img) {
			t.Errorf("image not base64 encoded")
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"A red shoe."},"done":true}`))
	}))
	defer srv.Close()

	out, err := New(srv.URL, nil).Chat(context.Background(), "llava", []Message{
		{Role: "system", Content: "describe"},
		{Role: "user", Content: "what is this", Images: [][]byte{img}},
	}, 0.2)
	if err != nil {
		t.Fatal(err)
	}
	if out != "A red shoe." {
		t.Fatalf("unexpected reply %q", out)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	if err := New(srv.URL, nil).Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.Close()
	if err := New(srv.URL, nil).Ping(context.Background()); err == nil {
		t.Fatal("expected error against closed server")
	}
}
