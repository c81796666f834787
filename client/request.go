package client

import (
	"net/http"

	"github.com/redial-dev/redial/endpoint"
)

// Request is the shaped outbound request of one attempt. The dispatcher
// builds it from the attempt configuration and the current endpoint just
// before sending.
type Request struct {
	Method   string
	Endpoint endpoint.Endpoint
	Header   http.Header

	// chunked marks the body for chunked transfer encoding.
	chunked bool
}

// Response is the head of the response received on a connection, with the
// body left on the wire behind Body until read.
type Response struct {
	Proto      string
	Status     string
	StatusCode int
	Header     http.Header

	// ContentLength is -1 when the body length is not known up front.
	ContentLength int64
}

// sensitive headers dropped on cross-origin redirects unless the caller
// installed an explicit redirect-header override.
var crossOriginStripped = []string{
	"Expect",
	"Cookie",
	"Authorization",
	"Proxy-Authorization",
}

func stripSensitiveHeaders(h http.Header) {
	for _, name := range crossOriginStripped {
		h.Del(name)
	}
}
