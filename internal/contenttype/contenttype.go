// Package contenttype detects MIME types for the forbidden-extension check
// and for the Content-Type header served by the Download Server.
//
// Adapted from the teacher's internal/store/dedup.go, which already solved
// "sniff up to 512 bytes, then replay the sniffed prefix plus the rest of
// the stream via io.MultiReader" for its narrower selective-dedup decision.
// Here every upload is content-addressed (spec.md §4.3), so the sniff no
// longer decides dedup eligibility — it feeds two real call sites instead:
// the upload path's executable cross-check (Upload, session.Manager.Complete)
// and the Content-Type a completed record serves back on download, stored on
// metadata.Record.ContentType at commit time. The sniffer itself is upgraded
// from net/http.DetectContentType to github.com/gabriel-vasile/mimetype,
// which recognises a far larger signature table (Office/OOXML formats
// included, replacing dedup.go's extension-based OOXML fallback with a real
// match) — and, unlike the filename-only forbidden-extension list, can catch
// a native executable hiding behind a disguised extension.
package contenttype

import (
	"bytes"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// forbiddenExtensions is the closed set of executable/script suffixes the
// Upload Admission pipeline rejects outright (spec.md §4.5 step 3).
var forbiddenExtensions = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true,
	".bat": true, ".cmd": true, ".com": true, ".msi": true,
	".sh": true, ".bash": true, ".zsh": true, ".ps1": true,
	".vbs": true, ".js": true, ".jar": true, ".app": true,
	".scr": true, ".pif": true, ".gadget": true,
}

// IsForbiddenExtension reports whether filename's extension is in the
// closed forbidden set, matched case-insensitively on the filename tail.
func IsForbiddenExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return forbiddenExtensions[ext]
}

// executableMIMETypes mirrors mimetype's published type strings for native
// executables and installer formats — the content-based counterpart to
// forbiddenExtensions, for uploads that disguise an executable payload
// behind an allowed extension.
var executableMIMETypes = map[string]bool{
	"application/x-executable":                      true,
	"application/x-elf":                              true,
	"application/x-sharedlib":                        true,
	"application/x-object":                           true,
	"application/x-mach-binary":                      true,
	"application/x-msdownload":                       true,
	"application/vnd.microsoft.portable-executable":  true,
	"application/x-ms-installer":                      true,
	"application/vnd.ms-cab-compressed":               true,
}

// IsExecutableMIME reports whether detected (as returned by Sniff) names a
// native executable or installer format, independent of whatever extension
// the upload was given.
func IsExecutableMIME(detected string) bool {
	return executableMIMETypes[detected]
}

// sniffLimit mirrors mimetype's own default detection window (3072 bytes) —
// large enough to cover every signature in its table, including the OOXML
// ZIP-central-directory probe that replaces dedup.go's extension fallback.
const sniffLimit = 3072

// Sniff reads up to sniffLimit bytes from r to detect the payload's MIME
// type, returning the detected type and an io.Reader that replays the
// sniffed prefix followed by the remainder of r — the caller sees the
// full, unconsumed stream.
func Sniff(r io.Reader) (detected string, full io.Reader, err error) {
	buf := make([]byte, sniffLimit)
	n, readErr := io.ReadFull(r, buf)
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		return "", r, readErr
	}
	buf = buf[:n]
	full = io.MultiReader(bytes.NewReader(buf), r)

	mt := mimetype.Detect(buf)
	return mt.String(), full, nil
}

// ForDownload derives the Content-Type to serve for originalName, falling
// back to application/octet-stream the way spec.md §4.7 requires ("a
// conservative default"). Unlike Sniff this never reads the payload — it is
// the fallback the Download Server uses when a record has no sniffed
// ContentType on file (content committed before this cross-check existed),
// so streaming never needs to buffer the blob a second time just to sniff
// it again.
func ForDownload(originalName string) string {
	ext := filepath.Ext(originalName)
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
