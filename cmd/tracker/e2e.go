package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/anacrolix/torrent/tracker"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sharehaven/tracker/bittorrent"
	"github.com/sharehaven/tracker/pkg/log"
)

// EndToEndRunCmdFunc implements a Cobra command that runs the end-to-end test
// suite against a running tracker. The credential in the announce URL must be
// valid for the given torrent.
func EndToEndRunCmdFunc(cmd *cobra.Command, args []string) error {
	delay, err := cmd.Flags().GetDuration("delay")
	if err != nil {
		return err
	}

	httpAddr, err := cmd.Flags().GetString("httpaddr")
	if err != nil {
		return err
	}
	if httpAddr == "" {
		return errors.New("--httpaddr is required")
	}

	rawInfoHash, err := cmd.Flags().GetString("infohash")
	if err != nil {
		return err
	}
	b, err := hex.DecodeString(rawInfoHash)
	if err != nil || len(b) != len(bittorrent.InfoHash{}) {
		return errors.New("--infohash must be 40 hex characters")
	}
	ih := bittorrent.InfoHashFromString(string(b))

	log.Info("testing HTTP...", log.Fields{"infoHash": ih})
	if err := testWithInfohash(ih, httpAddr, delay); err != nil {
		return err
	}
	log.Info("success")

	return nil
}

func announce(url string, req tracker.AnnounceRequest) (tracker.AnnounceResponse, error) {
	resp, err := tracker.Announce{
		TrackerUrl: url,
		Request:    req,
		UserAgent:  "tracker-e2e",
	}.Do()
	if err != nil {
		return resp, errors.Wrap(err, "announce failed")
	}
	return resp, nil
}

func testWithInfohash(infoHash [20]byte, url string, delay time.Duration) error {
	first := tracker.AnnounceRequest{
		InfoHash:   infoHash,
		PeerId:     [20]byte{'-', 'E', '2', '0', '0', '0', '1', '-', 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		Downloaded: 0,
		Left:       100,
		Uploaded:   0,
		Event:      tracker.Started,
		NumWant:    50,
		Port:       10001,
	}

	resp, err := announce(url, first)
	if err != nil {
		return err
	}

	for _, p := range resp.Peers {
		if p.Port == 10001 {
			return errors.New("tracker returned the announcing peer to itself")
		}
	}

	time.Sleep(delay)

	second := first
	second.PeerId[19] = 13
	second.Port = 10002

	resp, err = announce(url, second)
	if err != nil {
		return err
	}

	found := false
	for _, p := range resp.Peers {
		if p.Port == 10001 {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("expected the first peer among %d peers", len(resp.Peers))
	}

	for _, req := range []tracker.AnnounceRequest{first, second} {
		req.Event = tracker.Stopped
		if _, err := announce(url, req); err != nil {
			return err
		}
	}

	return nil
}
