package store

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestRenderViewText(t *testing.T) {
	resp, err := renderView("notes.txt", []byte("hello world\n"))
	if err != nil {
		t.Fatalf("renderView: %v", err)
	}
	if resp.FileType != viewTypeText || resp.Content != "hello world\n" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.MimeType != "" {
		t.Fatalf("text view carries mime type %q", resp.MimeType)
	}
}

func TestRenderViewImage(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}
	resp, err := renderView("chart.png", raw)
	if err != nil {
		t.Fatalf("renderView: %v", err)
	}
	if resp.FileType != viewTypeImage || resp.MimeType != "image/png" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Content)
	if err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if string(decoded) != string(raw) {
		t.Fatal("base64 content does not round trip")
	}
}

func TestRenderViewExtensionCaseInsensitive(t *testing.T) {
	resp, err := renderView("PHOTO.JPEG", []byte{0xff, 0xd8})
	if err != nil {
		t.Fatalf("renderView: %v", err)
	}
	if resp.MimeType != "image/jpeg" {
		t.Fatalf("mime = %q, want image/jpeg", resp.MimeType)
	}
}

func TestRenderViewUnsupportedExtension(t *testing.T) {
	_, err := renderView("archive.zip", []byte{0x50, 0x4b})
	if !errors.Is(err, ErrNotViewable) {
		t.Fatalf("err = %v, want ErrNotViewable", err)
	}
}

func TestRenderViewRejectsBinaryInTextFile(t *testing.T) {
	_, err := renderView("broken.txt", []byte{0xff, 0xfe, 0xfd})
	if !errors.Is(err, ErrNotViewable) {
		t.Fatalf("err = %v, want ErrNotViewable", err)
	}
}
