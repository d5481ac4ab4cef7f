// Package accounting turns the cumulative counters reported by a client into
// the per-announce traffic credited to a user. Everything here is a pure
// function of its arguments.
package accounting

import (
	"time"

	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/site"
)

// Snapshot is what a peer last reported. The zero value is the state of a
// peer that has not announced yet.
type Snapshot struct {
	Uploaded   uint64
	Downloaded uint64
}

// Multipliers are the bonuses in effect for one announce.
type Multipliers struct {
	// DoubleUpload credits twice the uploaded bytes.
	DoubleUpload bool

	// FreeleechPercent is the share of downloaded bytes that is not counted,
	// between 0 and 100.
	FreeleechPercent uint8
}

// MultipliersFor resolves the multipliers of a user announcing a torrent at
// now. Every window ends exclusively: at the expiry instant it no longer
// applies.
//
// The freeleech percent is the largest of the torrent's, the site-wide one and
// the user's personal freeleech, which counts as 100. A torrent with an active
// window but no percent is fully freeleech.
func MultipliersFor(u site.User, t site.Torrent, siteFreeleech uint8, now time.Time) Multipliers {
	m := Multipliers{
		DoubleUpload: now.Before(u.DoubleUploadExpiresAt),
	}

	if now.Before(t.FreeleechUntil) {
		pct := t.FreeleechPercent
		if pct == 0 {
			pct = 100
		}
		m.FreeleechPercent = pct
	}
	if siteFreeleech > m.FreeleechPercent {
		m.FreeleechPercent = siteFreeleech
	}
	if now.Before(u.FreeleechExpiresAt) {
		m.FreeleechPercent = 100
	}
	if m.FreeleechPercent > 100 {
		m.FreeleechPercent = 100
	}

	return m
}

// Delta is the outcome of one announce.
type Delta struct {
	// RawUploaded and RawDownloaded are the bytes transferred since the
	// previous announce, never negative.
	RawUploaded   uint64
	RawDownloaded uint64

	// Uploaded and Downloaded are the raw deltas after multipliers.
	Uploaded   uint64
	Downloaded uint64

	UploadMultiplier uint64
	FreeleechPercent uint8

	// UploadRolledBack and DownloadRolledBack are set when a counter is lower
	// than in the previous announce.
	UploadRolledBack   bool
	DownloadRolledBack bool
}

// RolledBack reports whether either counter went backwards.
func (d Delta) RolledBack() bool { return d.UploadRolledBack || d.DownloadRolledBack }

// Traffic returns what d adds to the user's totals.
func (d Delta) Traffic() site.Traffic {
	return site.Traffic{
		NominalUploaded:   d.RawUploaded,
		NominalDownloaded: d.RawDownloaded,
		Uploaded:          d.Uploaded,
		Downloaded:        d.Downloaded,
	}
}

// LogFields implements log.Fielder.
func (d Delta) LogFields() log.Fields {
	return log.Fields{
		"rawUploaded":      d.RawUploaded,
		"rawDownloaded":    d.RawDownloaded,
		"uploaded":         d.Uploaded,
		"downloaded":       d.Downloaded,
		"uploadMultiplier": d.UploadMultiplier,
		"freeleechPercent": d.FreeleechPercent,
		"rolledBack":       d.RolledBack(),
	}
}

// Account computes the delta between prev and the newly reported counters.
//
// A counter lower than the previous one, as after a client restart, yields a
// zero delta for that counter and sets its rollback flag. Freeleech only
// reduces the downloaded bytes; double upload only affects uploaded bytes.
func Account(prev Snapshot, reportedUp, reportedDown uint64, m Multipliers) Delta {
	d := Delta{
		UploadMultiplier: 1,
		FreeleechPercent: m.FreeleechPercent,
	}
	if d.FreeleechPercent > 100 {
		d.FreeleechPercent = 100
	}

	if reportedUp >= prev.Uploaded {
		d.RawUploaded = reportedUp - prev.Uploaded
	} else {
		d.UploadRolledBack = true
	}
	if reportedDown >= prev.Downloaded {
		d.RawDownloaded = reportedDown - prev.Downloaded
	} else {
		d.DownloadRolledBack = true
	}

	if m.DoubleUpload {
		d.UploadMultiplier = 2
	}
	d.Uploaded = saturatingMul(d.RawUploaded, d.UploadMultiplier)
	d.Downloaded = scalePercent(d.RawDownloaded, 100-uint64(d.FreeleechPercent))

	return d
}

func saturatingMul(v, n uint64) uint64 {
	if n != 0 && v > ^uint64(0)/n {
		return ^uint64(0)
	}
	return v * n
}

// scalePercent returns v*pct/100 rounded down without overflowing.
func scalePercent(v, pct uint64) uint64 {
	return v/100*pct + v%100*pct/100
}
