package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yangwenmai/charseed/internal/model"
	"github.com/yangwenmai/charseed/internal/retry"
)

func TestHTTPGenerator_GenerateEntry(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/entries" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer gen-key" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"entry_id":"e-123"}`))
	}))
	defer srv.Close()

	c := model.NewCandidate("c1", "https://src/1", "https://img/1", "stub", []string{"knight"}, nil)
	c.AgeRating = model.AgeRatingTeen
	c.Attributes = model.Attributes{Gender: model.GenderFemale, Species: model.SpeciesHuman, Style: model.StyleAnime}

	id, err := NewHTTPGenerator(srv.URL+"/", "gen-key").GenerateEntry(context.Background(), c.ImageRef(), CuratedFrom(c))
	if err != nil {
		t.Fatalf("GenerateEntry: %v", err)
	}
	if id != "e-123" {
		t.Errorf("entry id = %q", id)
	}
	if got["image_url"] != "https://img/1" || got["gender"] != "female" || got["age_rating"] != "teen" {
		t.Errorf("request body = %v", got)
	}
}

func TestHTTPGenerator_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"bad request", http.StatusBadRequest, `{"error":"bad image"}`, true},
		{"rate limited", http.StatusTooManyRequests, `slow down`, false},
		{"server error", http.StatusBadGateway, `upstream`, false},
		{"missing entry id", http.StatusOK, `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPGenerator(srv.URL, "").GenerateEntry(context.Background(), "https://img/1", Curated{})
			if err == nil {
				t.Fatal("expected error")
			}
			if retry.IsPermanent(err) != tt.permanent {
				t.Errorf("permanent = %v, want %v (%v)", retry.IsPermanent(err), tt.permanent, err)
			}
		})
	}
}

func TestStubGenerator(t *testing.T) {
	a, err := StubGenerator{}.GenerateEntry(context.Background(), "x", Curated{})
	if err != nil || !strings.HasPrefix(a, "stub-") {
		t.Fatalf("GenerateEntry = %q, %v", a, err)
	}
	b, _ := StubGenerator{}.GenerateEntry(context.Background(), "x", Curated{})
	if a == b {
		t.Error("stub entry IDs should be unique")
	}
}
