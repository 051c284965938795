package defense

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Request is the part of an inbound request the detectors look at.
type Request struct {
	Method string
	Path   string
	Header http.Header
	// IP is the normalized client address or UnknownIP.
	IP string
	// Form holds submitted fields, used by the honeypot and timing checks.
	// It is nil when the body was not inspected.
	Form url.Values
	// Received is when the request arrived.
	Received time.Time
}

// UserAgent returns the User-Agent header.
func (r *Request) UserAgent() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("User-Agent")
}

// FromHTTP builds a Request from r. When bodyLimit is positive and r carries a
// urlencoded or JSON body, up to bodyLimit bytes are read to extract form
// fields and then put back so the upstream handler sees the full body.
func FromHTTP(r *http.Request, ip string, bodyLimit int64) *Request {
	req := &Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		Header:   r.Header,
		IP:       ip,
		Received: time.Now(),
	}
	if req.IP == "" {
		req.IP = UnknownIP
	}
	if bodyLimit <= 0 || r.Body == nil || r.Body == http.NoBody {
		return req
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return req
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/x-www-form-urlencoded" && mediaType != "application/json" {
		return req
	}

	peeked, err := io.ReadAll(io.LimitReader(r.Body, bodyLimit+1))
	r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(peeked), r.Body), closer: r.Body}
	if err != nil || int64(len(peeked)) > bodyLimit {
		return req
	}

	if mediaType == "application/json" {
		req.Form, _ = jsonFields(peeked)
	} else {
		req.Form, _ = url.ParseQuery(string(peeked))
	}
	return req
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error { return b.closer.Close() }

// maxJSONDepth bounds how deep nested JSON bodies are flattened.
const maxJSONDepth = 4

// jsonFields flattens scalar leaves of a JSON object into form values keyed by
// their own field name. RPC-style bodies nest the form under wrapper objects.
func jsonFields(data []byte) (url.Values, error) {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	out := url.Values{}
	var walk func(m map[string]any, depth int)
	walk = func(m map[string]any, depth int) {
		for k, v := range m {
			switch val := v.(type) {
			case map[string]any:
				if depth < maxJSONDepth {
					walk(val, depth+1)
				}
			case string:
				out.Add(k, val)
			case float64:
				out.Add(k, strconv.FormatFloat(val, 'f', -1, 64))
			case bool:
				out.Add(k, strconv.FormatBool(val))
			}
		}
	}
	walk(root, 0)
	return out, nil
}
