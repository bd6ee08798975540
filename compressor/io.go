package compressor

import (
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"
)

// concatSnappy decompresses a and b in sequence, recompresses the
// concatenation into a single snappy-framed stream at outPath, and leaves
// both inputs for the caller to remove once every lane of a segment has
// been merged.
func concatSnappy(a, b, outPath string) (string, error) {
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	w := snappy.NewBufferedWriter(out)
	for _, in := range [2]string{a, b} {
		if err := copyDecompressed(w, in); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return outPath, nil
}

func copyDecompressed(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := snappy.NewReader(f)
	_, err = io.Copy(w, r)
	return err
}

// renamePair moves the root segment's already-merged pair of data streams
// from their temp paths to the canonical "mb_<height>.0"/"mb_<height>.1"
// files, via os.Rename (atomic on the same filesystem on every platform Go
// targets; the POSIX vs. ReplaceFile distinction the original drew no
// longer applies once the runtime hides it behind a single call).
func renamePair(paths [2]string, finalPrefix string) error {
	for i, p := range paths {
		dst := fmt.Sprintf("%s.%d", finalPrefix, i)
		if err := os.Rename(p, dst); err != nil {
			return err
		}
	}
	return nil
}
