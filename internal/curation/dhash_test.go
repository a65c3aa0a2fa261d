package curation

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/yangwenmai/charseed/internal/retry"
)

// gradient returns a horizontal grey gradient, brightening left to right unless
// reversed.
func gradient(w, h int, reversed bool) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			if reversed {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func TestDHash_Gradients(t *testing.T) {
	if got := DHash(gradient(256, 64, false)); got != 0 {
		t.Errorf("brightening gradient hash = %016x, want 0", got)
	}
	if got := DHash(gradient(256, 64, true)); got != ^uint64(0) {
		t.Errorf("darkening gradient hash = %016x, want all ones", got)
	}
}

func TestDHash_StableAcrossSizes(t *testing.T) {
	a := DHash(gradient(512, 300, true))
	b := DHash(gradient(90, 40, true))
	if s := Similarity(a, b); s < 0.9 {
		t.Errorf("similarity of rescaled image = %v, want >= 0.9", s)
	}
}

func servePNG(t *testing.T, img image.Image) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/img.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDHasher_Fingerprint(t *testing.T) {
	srv := servePNG(t, gradient(128, 128, true))
	d := NewDHasher(srv.Client())

	fp, err := d.Fingerprint(context.Background(), srv.URL+"/img.png")
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp != ^uint64(0) {
		t.Errorf("fingerprint = %016x, want all ones", fp)
	}

	_, err = d.Fingerprint(context.Background(), srv.URL+"/missing.png")
	if err == nil || !retry.IsPermanent(err) {
		t.Errorf("missing image err = %v, want permanent error", err)
	}
}

func TestDHasher_UndecodableImageIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	_, err := NewDHasher(srv.Client()).Fingerprint(context.Background(), srv.URL)
	if !retry.IsPermanent(err) {
		t.Errorf("err = %v, want permanent error", err)
	}
}
