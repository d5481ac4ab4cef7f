package storage

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
)

type benchData struct {
	torrents [1000]uint64
	peers    [1000]PeerRecord
}

func generateBenchData() *benchData {
	bd := &benchData{}
	for i := range bd.torrents {
		bd.torrents[i] = uint64(i + 1)

		var rec PeerRecord
		rec.PeerID[0] = byte(i)
		rec.PeerID[1] = byte(i >> 8)
		rec.Addr = netip.MustParseAddrPort(fmt.Sprintf("64.%d.%d.64:%d", byte(i), byte(i>>8), i+1))
		rec.Seeder = i%2 == 0
		bd.peers[i] = rec
	}
	return bd
}

type executionFunc func(int, PeerStore, *benchData) error
type setupFunc func(PeerStore, *benchData) error

func runBenchmark(b *testing.B, ps PeerStore, parallel bool, sf setupFunc, ef executionFunc) {
	bd := generateBenchData()
	if sf != nil {
		if err := sf(ps, bd); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	if parallel {
		b.RunParallel(func(pb *testing.PB) {
			i := 0
			for pb.Next() {
				if err := ef(i, ps, bd); err != nil {
					b.Error(err)
					return
				}
				i++
			}
		})
	} else {
		for i := 0; i < b.N; i++ {
			if err := ef(i, ps, bd); err != nil {
				b.Fatal(err)
			}
		}
	}
	b.StopTimer()

	errs := ps.Stop().Wait()
	for _, err := range errs {
		b.Error(err)
	}
}

func upsertSpread(i int, ps PeerStore, bd *benchData) error {
	rec := bd.peers[i%1000]
	key := PeerKey{TorrentID: bd.torrents[(i*7)%1000], PeerID: rec.PeerID}
	_, err := ps.Upsert(context.Background(), key, rec)
	return err
}

// Upsert benchmarks Upserts spread over many torrents and peers.
func Upsert(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, false, nil, upsertSpread)
}

// UpsertParallel is Upsert from concurrent goroutines.
func UpsertParallel(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, true, nil, upsertSpread)
}

// AnnounceLeecher benchmarks AnnouncePeers on a swarm of 1000 peers.
func AnnounceLeecher(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, false, func(ps PeerStore, bd *benchData) error {
		for _, rec := range bd.peers {
			if _, err := ps.Upsert(context.Background(), PeerKey{TorrentID: 1, PeerID: rec.PeerID}, rec); err != nil {
				return err
			}
		}
		return nil
	}, func(i int, ps PeerStore, bd *benchData) error {
		ps.AnnouncePeers(1, PeerKey{TorrentID: 1, PeerID: bd.peers[i%1000].PeerID}, false, 50)
		return nil
	})
}
