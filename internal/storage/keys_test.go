package storage

import (
	"strings"
	"testing"
	"time"
)

func TestAssetKeyPreservesExtensionAndStamp(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	key := assetKey("My Holiday Video.MP4", now)
	want := "My-Holiday-Video-1700000000000.mp4"
	if key != want {
		t.Fatalf("expected key %q, got %q", want, key)
	}
}

func TestAssetKeyStripsHostileNames(t *testing.T) {
	now := time.UnixMilli(42).UTC()
	key := assetKey("../../etc/passwd", now)
	if strings.Contains(key, "/") || strings.Contains(key, "..") {
		t.Fatalf("key %q escapes the asset directory", key)
	}
	if !strings.HasPrefix(key, "passwd-42") {
		t.Fatalf("expected sanitised base name, got %q", key)
	}
}

func TestAssetKeyFallsBackWhenNameEmpty(t *testing.T) {
	key := assetKey("   ", time.UnixMilli(7).UTC())
	if !strings.HasPrefix(key, "upload-7") {
		t.Fatalf("expected fallback name, got %q", key)
	}
}

func TestAssetKeyRejectsBinaryExtension(t *testing.T) {
	key := assetKey("clip.m p4", time.UnixMilli(7).UTC())
	if strings.Contains(key, " ") {
		t.Fatalf("key %q contains whitespace", key)
	}
}
