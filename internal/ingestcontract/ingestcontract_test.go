package ingestcontract

import (
	"bytes"
	"testing"
)

func TestFrameBufferReleaseZeroesData(t *testing.T) {
	var src FrameSource
	fb, err := src.Capture([]byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !bytes.Equal(fb.Bytes(), []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected frame contents")
	}
	fb.Release()
	if fb.data != nil {
		t.Fatalf("expected data to be cleared after Release")
	}
}

func TestFrameBufferReadAfterReleasePanics(t *testing.T) {
	var src FrameSource
	fb, err := src.Capture([]byte{9})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	fb.Release()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic reading a released FrameBuffer")
		}
	}()
	_ = fb.Bytes()
}

func TestCaptureRejectsUnreleasedPreviousFrame(t *testing.T) {
	var src FrameSource
	if _, err := src.Capture([]byte{1}); err != nil {
		t.Fatalf("first Capture: %v", err)
	}
	if _, err := src.Capture([]byte{2}); err == nil {
		t.Fatalf("expected rejection of capture before previous release")
	}
}

func TestCaptureSucceedsAfterRelease(t *testing.T) {
	var src FrameSource
	fb1, err := src.Capture([]byte{1})
	if err != nil {
		t.Fatalf("first Capture: %v", err)
	}
	fb1.Release()
	if _, err := src.Capture([]byte{2}); err != nil {
		t.Fatalf("expected capture to succeed after release: %v", err)
	}
}

func TestFeatureHashIsUnstableAcrossCalls(t *testing.T) {
	features := []byte("edge-histogram-42")
	h1, err := ComputeFeatureHash(features)
	if err != nil {
		t.Fatalf("ComputeFeatureHash: %v", err)
	}
	h2, err := ComputeFeatureHash(features)
	if err != nil {
		t.Fatalf("ComputeFeatureHash: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected feature hash to vary across calls on identical input")
	}
}
