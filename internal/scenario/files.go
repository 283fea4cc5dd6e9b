package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
)

// GeneratePrefix marks a data value that stands for a file created at run
// time, e.g. "generate:png" or "generate:txt".
const GeneratePrefix = "generate:"

// Uploads holds the temporary files created for one run.
type Uploads struct {
	dir   string
	Paths map[string]string // logical name -> file path
}

// Materialize replaces generate:<kind> values in data with freshly written
// files under a new temporary directory. The returned Uploads must be
// cleaned up by the caller; data itself is not modified.
func Materialize(data map[string]string, tmpRoot string) (map[string]string, *Uploads, error) {
	out := make(map[string]string, len(data))
	up := &Uploads{Paths: map[string]string{}}
	for name, v := range data {
		kind, ok := strings.CutPrefix(v, GeneratePrefix)
		if !ok {
			out[name] = v
			continue
		}
		if up.dir == "" {
			dir, err := os.MkdirTemp(tmpRoot, "formnerd-upload-")
			if err != nil {
				return nil, nil, fmt.Errorf("create upload dir: %w", err)
			}
			up.dir = dir
		}
		p, err := generate(up.dir, name, kind)
		if err != nil {
			return nil, nil, errors.Join(fmt.Errorf("data %s: %w", name, err), up.Cleanup())
		}
		up.Paths[name] = p
		out[name] = p
	}
	return out, up, nil
}

// Cleanup removes every generated file. Safe on a nil receiver.
func (u *Uploads) Cleanup() error {
	if u == nil || u.dir == "" {
		return nil
	}
	err := os.RemoveAll(u.dir)
	u.dir = ""
	return err
}

func generate(dir, name, kind string) (string, error) {
	var (
		content []byte
		ext     string
	)
	switch kind {
	case "png":
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for x := 0; x < 8; x++ {
			for y := 0; y < 8; y++ {
				img.Set(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 32), B: 128, A: 255})
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return "", err
		}
		content, ext = buf.Bytes(), ".png"
	case "txt":
		content, ext = []byte("formnerd upload for "+name+"\n"), ".txt"
	case "pdf":
		content, ext = minimalPDF, ".pdf"
	default:
		return "", fmt.Errorf("unknown generated file kind %q (valid: png, txt, pdf)", kind)
	}
	p := filepath.Join(dir, sanitizeName(name)+ext)
	if err := os.WriteFile(p, content, 0644); err != nil {
		return "", err
	}
	return p, nil
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, s)
}

var minimalPDF = []byte("%PDF-1.4\n1 0 obj<</Type/Catalog/Pages 2 0 R>>endobj\n" +
	"2 0 obj<</Type/Pages/Kids[3 0 R]/Count 1>>endobj\n" +
	"3 0 obj<</Type/Page/Parent 2 0 R/MediaBox[0 0 72 72]>>endobj\n" +
	"trailer<</Root 1 0 R>>\n%%EOF\n")
