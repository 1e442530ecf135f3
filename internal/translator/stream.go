package translator

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// StreamTransformer rewrites a backend event stream line by line.
type StreamTransformer struct {
	rc      ResponseContext
	pending map[int64]*strings.Builder
}

type streamBody struct {
	*io.PipeReader
	upstream io.Closer
}

func (b *streamBody) Close() error {
	_ = b.PipeReader.Close()
	return b.upstream.Close()
}

// NewStreamTransformer returns a body that yields the rewritten stream of upstream.
func NewStreamTransformer(upstream io.ReadCloser, rc ResponseContext) io.ReadCloser {
	rc.ensureCaches()
	t := &StreamTransformer{rc: rc, pending: make(map[int64]*strings.Builder)}
	pr, pw := io.Pipe()
	go t.pump(upstream, pw)
	return &streamBody{PipeReader: pr, upstream: upstream}
}

func (t *StreamTransformer) pump(upstream io.Reader, pw *io.PipeWriter) {
	reader := bufio.NewReaderSize(upstream, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			newline := bytes.HasSuffix(line, []byte("\n"))
			out := t.TransformLine(bytes.TrimRight(line, "\r\n"))
			if newline {
				out = append(out, '\n')
			}
			if _, werr := pw.Write(out); werr != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				pw.Close()
			} else {
				log.Debugf("backend stream ended: %v", err)
				pw.CloseWithError(err)
			}
			return
		}
	}
}

// TransformLine rewrites one SSE line. Only "data:" lines carrying JSON change:
// each payload is replaced by its inner response object, array payloads
// becoming one event per element.
func (t *StreamTransformer) TransformLine(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return append([]byte(nil), line...)
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	elements, _ := parseLoose(payload)
	if elements == nil {
		return append([]byte(nil), line...)
	}

	events := make([]string, 0, len(elements))
	for _, elem := range elements {
		events = append(events, "data: "+t.transformEvent(elem))
	}
	return []byte(strings.Join(events, "\n\n"))
}

func (t *StreamTransformer) transformEvent(elem string) string {
	if gjson.Get(elem, "error").Exists() {
		rewritten, _ := rewriteError(elem, 0, t.rc.Model)
		return rewritten
	}
	inner := unwrapResponse(elem)
	cacheThoughtSignatures(inner, t.rc, t.pending)
	return normalizeCandidateParts(inner, t.rc, false)
}
