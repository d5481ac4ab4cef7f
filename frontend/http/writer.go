package http

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/bittorrent"
	"github.com/sharehaven/tracker/frontend/http/bencode"
	"github.com/sharehaven/tracker/pkg/log"
)

var errInternal = errors.New("internal server error")

// WriteError communicates an error to a BitTorrent client over HTTP. Only
// ClientErrors are shown to the client; anything else is logged and replaced
// by a generic message.
func WriteError(w http.ResponseWriter, err error) error {
	message := errInternal.Error()
	var clientErr bittorrent.ClientError
	if errors.As(err, &clientErr) {
		message = clientErr.Error()
	} else if err != errInternal {
		log.Error("http: internal error", log.Err(err))
	}

	w.WriteHeader(http.StatusOK)
	return bencode.NewEncoder(w).Encode(bencode.Dict{
		"failure reason": message,
	})
}

// WriteAnnounceResponse communicates the results of an Announce to a
// BitTorrent client over HTTP.
func WriteAnnounceResponse(w http.ResponseWriter, resp *bittorrent.AnnounceResponse) error {
	bdict := bencode.Dict{
		"complete":     resp.Complete,
		"incomplete":   resp.Incomplete,
		"interval":     resp.Interval,
		"min interval": resp.MinInterval,
	}

	// Add the peers to the dictionary in the compact format.
	if resp.Compact {
		IPv4CompactDict := make([]byte, 0, 6*len(resp.IPv4Peers))
		for _, peer := range resp.IPv4Peers {
			IPv4CompactDict = append(IPv4CompactDict, compact(peer)...)
		}
		bdict["peers"] = IPv4CompactDict

		if len(resp.IPv6Peers) > 0 {
			IPv6CompactDict := make([]byte, 0, 18*len(resp.IPv6Peers))
			for _, peer := range resp.IPv6Peers {
				IPv6CompactDict = append(IPv6CompactDict, compact(peer)...)
			}
			bdict["peers6"] = IPv6CompactDict
		}

		return bencode.NewEncoder(w).Encode(bdict)
	}

	// Add the peers to the dictionary.
	peers := make([]bencode.Dict, 0, len(resp.IPv4Peers)+len(resp.IPv6Peers))
	for _, peer := range resp.IPv4Peers {
		peers = append(peers, dict(peer))
	}
	for _, peer := range resp.IPv6Peers {
		peers = append(peers, dict(peer))
	}
	bdict["peers"] = peers

	return bencode.NewEncoder(w).Encode(bdict)
}

// compact returns the 6 byte form of an IPv4 peer or the 18 byte form of an
// IPv6 peer.
func compact(peer bittorrent.Peer) []byte {
	buf := peer.AddrPort.Addr().AsSlice()
	port := peer.AddrPort.Port()
	return append(buf, byte(port>>8), byte(port&0xff))
}

func dict(peer bittorrent.Peer) bencode.Dict {
	return bencode.Dict{
		"peer id": peer.ID.RawString(),
		"ip":      peer.AddrPort.Addr().String(),
		"port":    peer.AddrPort.Port(),
	}
}
