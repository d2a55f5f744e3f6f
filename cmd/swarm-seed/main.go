// swarm-seed runs a session, registers torrents by info-hash, and prints
// alerts and transfer stats until interrupted.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/dustin/go-humanize"

	"github.com/netsmith/swarm"
)

type args struct {
	InfoHash   []string `arg:"positional" help:"info-hashes (hex) to seed"`
	ListenPort int      `default:"6881"`
	Interfaces string   `help:"comma-separated host:port listen list"`
	MaxConns   int      `default:"200"`
	Stats      bool     `help:"print periodic session stats"`
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func mainErr() error {
	var args args
	arg.MustParse(&args)

	settings := swarm.DefaultSettings()
	settings.ListenPort = args.ListenPort
	settings.ListenInterfaces = args.Interfaces
	settings.ConnectionsLimit = args.MaxConns

	s, err := swarm.NewSession(settings)
	if err != nil {
		return err
	}
	defer s.Close()

	for _, hexHash := range args.InfoHash {
		raw, err := hex.DecodeString(hexHash)
		if err != nil || len(raw) != 20 {
			return fmt.Errorf("bad info-hash %q", hexHash)
		}
		var ih swarm.InfoHash
		copy(ih[:], raw)
		if _, err := s.AddTorrent(swarm.TorrentSpec{
			InfoHash:    ih,
			AutoManaged: true,
		}); err != nil {
			return err
		}
	}

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)

	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-interrupted:
			return nil
		case <-s.WaitAlerts():
			for _, a := range s.PopAlerts() {
				fmt.Println(a)
			}
		case <-statsTicker.C:
			if !args.Stats {
				continue
			}
			st := s.Stats()
			fmt.Printf(
				"up %s (%s/s) down %s (%s/s) conns %d unchoked %d\n",
				humanize.Bytes(uint64(st.UploadPayload)),
				humanize.Bytes(uint64(st.UploadRate)),
				humanize.Bytes(uint64(st.DownloadPayload)),
				humanize.Bytes(uint64(st.DownloadRate)),
				st.NumConnections,
				st.NumUnchoked,
			)
		}
	}
}
