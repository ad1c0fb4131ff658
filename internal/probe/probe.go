package probe

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tanq16/hanzo/internal/utils"
)

// HeadTimeout bounds the discovery request.
const HeadTimeout = 10 * time.Second

// ErrUnsupportedSource marks a URL the engine can't download from: the
// server reported no usable content length.
var ErrUnsupportedSource = errors.New("source doesn't report a usable content length")

// FileInfo is the result of probing a download URL.
type FileInfo struct {
	SupportsPause bool
	FileName      string
	ContentLength int64
}

type Prober struct {
	client utils.HTTPDoer
}

func New(cfg utils.HTTPClientConfig) *Prober {
	cfg.Timeout = HeadTimeout
	return &Prober{client: utils.NewHanzoHTTPClient(cfg)}
}

// NewWithClient wires an existing client, mainly for tests.
func NewWithClient(client utils.HTTPDoer) *Prober {
	return &Prober{client: client}
}

// Probe issues a HEAD request and extracts content length, filename, and
// pause support. Pause (range resume) is supported iff the server
// advertises Accept-Ranges: bytes.
func (p *Prober) Probe(link string) (FileInfo, error) {
	req, err := http.NewRequest("HEAD", link, nil)
	if err != nil {
		return FileInfo{}, fmt.Errorf("error creating request: %v", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return FileInfo{}, fmt.Errorf("error probing URL: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return FileInfo{}, fmt.Errorf("server returned error: %d", resp.StatusCode)
	}

	info := FileInfo{
		SupportsPause: resp.Header.Get("Accept-Ranges") == "bytes",
		FileName:      fileNameFrom(resp.Header.Get("Content-Disposition"), link),
	}
	contentLength := resp.Header.Get("Content-Length")
	if contentLength == "" {
		return FileInfo{}, ErrUnsupportedSource
	}
	size, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil || size <= 0 {
		return FileInfo{}, ErrUnsupportedSource
	}
	info.ContentLength = size
	return info, nil
}

// fileNameFrom prefers the Content-Disposition filename (quoted or not),
// falling back to the last URL path segment minus any query. The result is
// percent-decoded.
func fileNameFrom(contentDisposition, link string) string {
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if fn, ok := params["filename"]; ok && fn != "" {
				return percentDecode(fn)
			}
			if fn, ok := params["filename*"]; ok && fn != "" {
				if strings.HasPrefix(fn, "UTF-8''") {
					return percentDecode(strings.TrimPrefix(fn, "UTF-8''"))
				}
			}
		}
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return ""
	}
	pathParts := strings.Split(parsed.Path, "/")
	name := pathParts[len(pathParts)-1]
	return percentDecode(name)
}

func percentDecode(name string) string {
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}
