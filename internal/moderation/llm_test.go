package moderation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// completionServer returns an httptest server that answers every chat
// completion request with the given content string.
func completionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected prompt shape: %+v", req.Messages)
		}

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLLMClassify_Answers(t *testing.T) {
	tests := []struct {
		name       string
		answer     string
		disallowed bool
		wantErr    bool
	}{
		{"yes", "YES", true, false},
		{"no", "NO", false, false},
		{"lowercase yes", "yes", true, false},
		{"punctuated", "No.", false, false},
		{"padded", "  YES  ", true, false},
		{"verbose yes", "YES, it is offensive.", true, false},
		{"verbose no", "No, this is fine.", false, false},
		{"yes buried in sentence", "I would say yes.", true, false},
		{"hedged", "UNKNOWN", false, true},
		{"malformed answer", "maybe?", false, true},
		{"empty answer", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := completionServer(t, tt.answer)
			c := NewLLMClassifier(LLMConfig{BaseURL: srv.URL, APIKey: "test"})

			result, err := c.Classify(context.Background(), "some text")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if !tt.wantErr && result.Disallowed != tt.disallowed {
				t.Errorf("Disallowed = %v, want %v", result.Disallowed, tt.disallowed)
			}
		})
	}
}

func TestGateRejectsVerboseYes(t *testing.T) {
	srv := completionServer(t, "YES, it is offensive")
	c := NewLLMClassifier(LLMConfig{BaseURL: srv.URL, APIKey: "test"})
	g := NewGate(c, GateConfig{})

	if v := g.Evaluate(context.Background(), "some text"); v != VerdictReject {
		t.Fatalf("Evaluate = %v, want reject for a padded YES answer", v)
	}
}

func TestLLMClassify_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewLLMClassifier(LLMConfig{BaseURL: srv.URL})
	if _, err := c.Classify(context.Background(), "text"); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestLLMClassify_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewLLMClassifier(LLMConfig{BaseURL: srv.URL})
	if _, err := c.Classify(context.Background(), "text"); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestLLMClassify_ContextCancelled(t *testing.T) {
	srv := completionServer(t, "NO")
	c := NewLLMClassifier(LLMConfig{BaseURL: srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Classify(ctx, "text"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestLLMClassify_AuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "NO"}},
			},
		})
	}))
	defer srv.Close()

	c := NewLLMClassifier(LLMConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	if _, err := c.Classify(context.Background(), "text"); err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
}
