package controlplane

import "testing"

func TestRewriteForAcceleration(t *testing.T) {
	rewritten, err := RewriteForAcceleration("https://s3.us-east-1.amazonaws.com/bucket/key?X-Amz-Signature=abc", "s3-accelerate.amazonaws.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://s3-accelerate.amazonaws.com/bucket/key?X-Amz-Signature=abc"
	if rewritten != want {
		t.Fatalf("got %q, want %q", rewritten, want)
	}
}

func TestRewriteForAccelerationIsIdempotent(t *testing.T) {
	once, err := RewriteForAcceleration("https://s3.us-east-1.amazonaws.com/bucket/key", "s3-accelerate.amazonaws.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	twice, err := RewriteForAcceleration(once, "s3-accelerate.amazonaws.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if once != twice {
		t.Fatalf("rewrite not idempotent: %q != %q", once, twice)
	}
}

func TestShouldAccelerate(t *testing.T) {
	cfg := DefaultAccelerationConfig()

	if cfg.ShouldAccelerate(100*bytesPerMiB, "s3-accelerate.amazonaws.com") {
		t.Fatal("should not accelerate below MinSizeBytes")
	}
	if !cfg.ShouldAccelerate(1024*bytesPerMiB, "s3-accelerate.amazonaws.com") {
		t.Fatal("should accelerate above MinSizeBytes with granted endpoint")
	}
	if cfg.ShouldAccelerate(1024*bytesPerMiB, "") {
		t.Fatal("should not accelerate without a granted endpoint")
	}
}
