package http

import (
	"net/http"
	"net/netip"

	"github.com/sharehaven/tracker/bittorrent"
)

// ParseOptions is the configuration used to parse an Announce Request.
//
// If AllowIPSpoofing is true, IPs provided via BitTorrent params will be used.
// If RealIPHeader is not empty string, the value of the first HTTP Header with
// that name will be used.
type ParseOptions struct {
	AllowIPSpoofing bool   `yaml:"allow_ip_spoofing"`
	RealIPHeader    string `yaml:"real_ip_header"`
	MaxNumWant      uint32 `yaml:"max_numwant"`
	DefaultNumWant  uint32 `yaml:"default_numwant"`
}

// Default parser config constants.
const (
	defaultMaxNumWant     uint32 = 100
	defaultDefaultNumWant uint32 = 50
)

// ParseAnnounce parses an bittorrent.AnnounceRequest from an http.Request.
// cred is the credential path segment.
func ParseAnnounce(r *http.Request, cred string, opts ParseOptions) (*bittorrent.AnnounceRequest, error) {
	qp, err := bittorrent.ParseURLData(r.RequestURI)
	if err != nil {
		return nil, err
	}

	request := &bittorrent.AnnounceRequest{Credential: cred, Params: qp}

	// Attempt to parse the event from the request.
	var eventStr string
	eventStr, request.EventProvided = qp.String("event")
	if request.EventProvided {
		request.Event, err = bittorrent.NewEvent(eventStr)
		if err != nil {
			return nil, bittorrent.ClientError("failed to provide valid client event")
		}
	} else {
		request.Event = bittorrent.None
	}

	// Determine if the client expects a compact response.
	compactStr, _ := qp.String("compact")
	request.Compact = compactStr != "" && compactStr != "0"

	// Parse the infohash from the request.
	infoHashes := qp.InfoHashes()
	if len(infoHashes) < 1 {
		return nil, bittorrent.ClientError("no info_hash parameter supplied")
	}
	if len(infoHashes) > 1 {
		return nil, bittorrent.ClientError("multiple info_hash parameters supplied")
	}
	request.InfoHash = infoHashes[0]

	// Parse the PeerID from the request.
	peerID, ok := qp.String("peer_id")
	if !ok {
		return nil, bittorrent.ClientError("failed to parse parameter: peer_id")
	}
	request.Peer.ID, err = bittorrent.ParsePeerID(peerID)
	if err != nil {
		return nil, err
	}

	// Determine the number of remaining bytes for the client.
	request.Left, err = qp.Uint64("left")
	if err != nil {
		return nil, bittorrent.ClientError("failed to parse parameter: left")
	}

	// Determine the number of bytes downloaded by the client.
	request.Downloaded, err = qp.Uint64("downloaded")
	if err != nil {
		return nil, bittorrent.ClientError("failed to parse parameter: downloaded")
	}

	// Determine the number of bytes shared by the client.
	request.Uploaded, err = qp.Uint64("uploaded")
	if err != nil {
		return nil, bittorrent.ClientError("failed to parse parameter: uploaded")
	}

	// Determine the number of peers the client wants in the response.
	numwant, err := qp.Uint64("numwant")
	if err != nil && err != bittorrent.ErrKeyNotFound {
		return nil, bittorrent.ClientError("failed to parse parameter: numwant")
	}
	// If there were no errors, the user actually provided the numwant.
	request.NumWantProvided = err == nil
	if numwant > uint64(^uint32(0)) {
		numwant = uint64(^uint32(0))
	}
	request.NumWant = uint32(numwant)

	// Parse the port where the client is listening.
	port, err := qp.Uint64("port")
	if err != nil || port > 0xffff {
		return nil, bittorrent.ClientError("failed to parse parameter: port")
	}

	// Parse the IP address where the client is listening.
	ip, provided := requestedIP(r, qp, opts)
	if !ip.IsValid() {
		return nil, bittorrent.ClientError("failed to parse peer IP address")
	}
	request.IPProvided = provided
	request.Peer.AddrPort = netip.AddrPortFrom(ip, uint16(port))

	if err := bittorrent.SanitizeAnnounce(request, opts.MaxNumWant, opts.DefaultNumWant); err != nil {
		return nil, err
	}

	return request, nil
}

// requestedIP determines the IP address for a BitTorrent client request.
func requestedIP(r *http.Request, p bittorrent.Params, opts ParseOptions) (ip netip.Addr, provided bool) {
	if opts.AllowIPSpoofing {
		for _, key := range []string{"ip", "ipv4", "ipv6"} {
			if ipstr, ok := p.String(key); ok {
				ip, _ := netip.ParseAddr(ipstr)
				return ip, true
			}
		}
	}

	if opts.RealIPHeader != "" {
		if ipstr := r.Header.Get(opts.RealIPHeader); ipstr != "" {
			ip, _ := netip.ParseAddr(ipstr)
			return ip, false
		}
	}

	addrPort, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	return addrPort.Addr(), false
}
