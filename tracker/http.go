package tracker

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"swarm/peer"
)

const userAgent = "swarm/1.0"

// HTTPClient announces to http:// and https:// trackers via GET.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient returns an HTTP tracker client with a request timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: timeout}}
}

// Announce issues the GET request and decodes the bencoded response.
// The raw info hash and peer id bytes ride percent-encoded in the query.
func (c *HTTPClient) Announce(trackerURL string, req *Request) (*Response, error) {
	base, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"info_hash":  []string{string(req.InfoHash[:])},
		"peer_id":    []string{string(req.PeerID[:])},
		"port":       []string{strconv.Itoa(req.Port)},
		"uploaded":   []string{strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(req.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(req.Left, 10)},
		"compact":    []string{"1"},
		"numwant":    []string{strconv.Itoa(req.NumWant)},
	}
	if event := req.Event.String(); event != "" {
		params.Set("event", event)
	}
	base.RawQuery = params.Encode()

	httpReq, err := http.NewRequest(http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	decoded, err := bencode.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: response is not a dictionary", ErrMalformedResponse)
	}
	return parseHTTPResponse(dict)
}

func parseHTTPResponse(dict map[string]interface{}) (*Response, error) {
	if reason, ok := dict["failure reason"].(string); ok {
		return nil, &FailureError{Reason: reason}
	}

	out := &Response{
		Interval:    dictInt(dict, "interval"),
		MinInterval: dictInt(dict, "min interval"),
		Complete:    dictInt(dict, "complete"),
		Incomplete:  dictInt(dict, "incomplete"),
	}

	switch peers := dict["peers"].(type) {
	case nil:
		// some trackers answer an event=stopped announce with no peer list
	case string:
		parsed, err := peer.Unmarshal([]byte(peers))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		out.Peers = parsed
	case []interface{}:
		parsed, err := parsePeerDicts(peers)
		if err != nil {
			return nil, err
		}
		out.Peers = parsed
	default:
		return nil, fmt.Errorf("%w: peers of type %T", ErrMalformedResponse, peers)
	}
	return out, nil
}

// parsePeerDicts handles the non-compact form: a list of {ip, port, peer id}.
func parsePeerDicts(list []interface{}) ([]peer.Peer, error) {
	peers := make([]peer.Peer, 0, len(list))
	for _, item := range list {
		dict, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: peer entry of type %T", ErrMalformedResponse, item)
		}
		ip, _ := dict["ip"].(string)
		port := dictInt(dict, "port")
		if ip == "" || port <= 0 || port > 65535 {
			continue
		}
		p := peer.Peer{Port: uint16(port)}
		if id, ok := dict["peer id"].(string); ok {
			p.ID = []byte(id)
		}
		if p.IP = parseIPv4(ip); p.IP == nil {
			continue
		}
		peers = append(peers, p)
	}
	return peer.Dedup(peers), nil
}

func dictInt(dict map[string]interface{}, key string) int {
	if v, ok := dict[key].(int64); ok {
		return int(v)
	}
	return 0
}

// parseIPv4 returns the 4-byte form of an IPv4 address, or nil for anything
// else (IPv6, the zero address, garbage).
func parseIPv4(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	v4 := ip.To4()
	if v4 == nil || v4.Equal(net.IPv4zero) {
		return nil
	}
	return v4
}
