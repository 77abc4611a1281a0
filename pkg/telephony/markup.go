package telephony

import (
	"encoding/xml"
	"fmt"
	"net"
)

// streamResponse mirrors the markup the telephony provider fetches on
// an answered call: <Response><Connect><Stream url="..."/></Connect></Response>.
type streamResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect streamConnect `xml:"Connect"`
}

type streamConnect struct {
	Stream streamElement `xml:"Stream"`
}

type streamElement struct {
	URL string `xml:"url,attr"`
}

// BuildStreamMarkup renders the markup instructing the telephony peer
// to open a media-stream WebSocket for reqID on host. The scheme is
// wss unless host is a loopback address, matching local development
// where the process has no TLS terminator in front of it.
func BuildStreamMarkup(host, reqID string) ([]byte, error) {
	scheme := "wss"
	if isLoopbackHost(host) {
		scheme = "ws"
	}
	url := fmt.Sprintf("%s://%s/media-stream?reqId=%s", scheme, host, reqID)

	resp := streamResponse{Connect: streamConnect{Stream: streamElement{URL: url}}}
	body, err := xml.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("build markup: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func isLoopbackHost(host string) bool {
	h := host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		h = hostOnly
	}
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}
