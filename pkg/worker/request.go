package worker

import (
	"mime"
	"net/http"
	"strings"
)

// Destination is the kind of resource a request is fetching.
type Destination string

const (
	DestinationEmpty    Destination = ""
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
	DestinationFont     Destination = "font"
)

// Request is an intercepted request.
type Request struct {
	// HTTP is the request with an absolute URL
	HTTP *http.Request

	// Destination is the resource kind
	Destination Destination

	// Referrer is the URL of the page that issued the request, if any
	Referrer string
}

// NewRequest describes r. The destination comes from Sec-Fetch-Dest; when the
// client does not send it, a GET whose preferred Accept type is HTML is taken
// as a document and one preferring an image type as an image.
func NewRequest(r *http.Request) *Request {
	dest := Destination(strings.ToLower(r.Header.Get("Sec-Fetch-Dest")))
	if dest == DestinationEmpty && r.Method == http.MethodGet {
		dest = inferDestination(r.Header.Get("Accept"))
	}
	return &Request{
		HTTP:        r,
		Destination: dest,
		Referrer:    r.Referer(),
	}
}

func inferDestination(accept string) Destination {
	first, _, _ := strings.Cut(accept, ",")
	mt, _, err := mime.ParseMediaType(first)
	if err != nil {
		return DestinationEmpty
	}
	switch {
	case mt == "text/html":
		return DestinationDocument
	case strings.HasPrefix(mt, "image/"):
		return DestinationImage
	}
	return DestinationEmpty
}
