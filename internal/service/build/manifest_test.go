package build

import (
	"strings"
	"testing"
)

func TestPackageChunksDeduplicatesAndSorts(t *testing.T) {
	chunks := packageChunks([]string{"wkhtmltopdf", "libmagic", "wkhtmltopdf", " ", "fonts-cantarell"})
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "fonts-cantarell libmagic wkhtmltopdf" {
		t.Fatalf("unexpected chunk: %q", chunks[0])
	}
}

func TestPackageChunksSplitsLongLists(t *testing.T) {
	packages := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		packages = append(packages, "package-"+string(rune('a'+i%26))+strings.Repeat("x", i%7))
	}
	chunks := packageChunks(packages)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, chunk := range chunks {
		if len(chunk) > maxPackageChunk {
			t.Fatalf("chunk exceeds limit (%d): %q", len(chunk), chunk)
		}
	}
}

func TestPackageChunksKeepsOversizedSinglePackage(t *testing.T) {
	huge := strings.Repeat("z", maxPackageChunk+20)
	chunks := packageChunks([]string{huge})
	if len(chunks) != 1 || chunks[0] != huge {
		t.Fatalf("oversized single package must survive as its own chunk: %v", chunks)
	}
}

func TestPackageChunksEmpty(t *testing.T) {
	if chunks := packageChunks(nil); len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %v", chunks)
	}
}

func TestReadDependencyManifestMissing(t *testing.T) {
	manifest, err := readDependencyManifest(t.TempDir())
	if err != nil {
		t.Fatalf("missing manifest should not error: %v", err)
	}
	if manifest != nil {
		t.Fatalf("expected nil manifest, got %+v", manifest)
	}
}

func TestReadPackageManifestMissing(t *testing.T) {
	manifest, err := readPackageManifest(t.TempDir())
	if err != nil {
		t.Fatalf("missing package.json should not error: %v", err)
	}
	if manifest != nil {
		t.Fatalf("expected nil manifest, got %+v", manifest)
	}
}
