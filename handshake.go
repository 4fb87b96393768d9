package wsstream

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// upgradeRequest builds the GET request for the websocket upgrade
// against hostname/path. The user agent, when non-empty, decorates
// the request.
func upgradeRequest(hostname, path, userAgent, wskey string) (*http.Request, error) {
	u, err := url.Parse(fmt.Sprintf("http://%s%s", hostname, path))
	if err != nil {
		return nil, err
	}

	hdr := make(http.Header)
	hdr.Set("Upgrade", "websocket")
	hdr.Set("Connection", "Upgrade")
	hdr.Set("Sec-WebSocket-Key", wskey)
	hdr.Set("Sec-WebSocket-Version", "13")
	if userAgent != "" {
		hdr.Set("User-Agent", userAgent)
	}

	return &http.Request{
		Method:     "GET",
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     hdr,
		Host:       hostname,
	}, nil
}

// performUpgrade writes the upgrade request to the established stream
// and validates the response. It runs off-loop; the caller posts the
// outcome back to its Loop.
func performUpgrade(s stream, req *http.Request, wskey string) error {
	if err := req.Write(s); err != nil {
		return err
	}
	buf := bufio.NewReaderSize(s, 4096)
	res, err := http.ReadResponse(buf, req)
	if err != nil {
		return err
	}
	res.Body.Close()
	return validateUpgradeResponse(res, wskey)
}

func validateUpgradeResponse(res *http.Response, wskey string) error {
	if res.StatusCode != 101 {
		return handshakeErr(fmt.Sprintf("unexpected status %d", res.StatusCode))
	}
	if !headerHasValue(res.Header, "Connection", "upgrade") {
		return handshakeErr("`Connection` header is missing or invalid")
	}
	if !strings.EqualFold(res.Header.Get("Upgrade"), "websocket") {
		return handshakeErr("`Upgrade` header is missing or invalid")
	}
	if !strings.EqualFold(res.Header.Get("Sec-Websocket-Accept"), acceptForKey(wskey)) {
		return handshakeErr("`Sec-Websocket-Accept` header is missing or invalid")
	}
	return nil
}
