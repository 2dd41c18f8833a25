// Command pcap-decode prints the tracker protocol packets in a capture
// written by trackerbridge -capture.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/banshee-data/trackerbridge/internal/network"
	"github.com/banshee-data/trackerbridge/internal/protocol"
)

var (
	serverPort = flag.Int("server-port", 6969, "UDP port of the tracking server in the capture")
	onlyType   = flag.String("type", "", "Only print packets of this type (e.g. rotation, handshake)")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] capture.pcap\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(filepath.Clean(flag.Arg(0)))
	if err != nil {
		log.Fatalf("Failed to open capture: %v", err)
	}
	defer f.Close()

	sum, err := decode(f, os.Stdout, *serverPort, *onlyType)
	if err != nil {
		log.Fatalf("Failed to decode capture: %v", err)
	}
	log.Printf("%d datagrams: %d to server, %d from server, %d undecodable", sum.total, sum.toServer, sum.fromServer, sum.bad)
}

type summary struct {
	total, toServer, fromServer, bad int
}

// decode writes one line per datagram. Datagrams addressed to serverPort are
// decoded with the server's schema, the rest with the client's.
func decode(r io.Reader, w io.Writer, serverPort int, only string) (summary, error) {
	var sum summary
	err := network.ReadCapture(r, func(d network.CapturedDatagram) error {
		sum.total++
		toServer := d.Dst.Port == serverPort
		var (
			p   protocol.Packet
			err error
		)
		if toServer {
			sum.toServer++
			p, err = protocol.DecodeServerSide(d.Payload)
		} else {
			sum.fromServer++
			p, err = protocol.Decode(d.Payload)
		}
		ts := d.Time.Format("15:04:05.000000")
		if err != nil {
			sum.bad++
			_, werr := fmt.Fprintf(w, "%s %s -> %s !! %v\n", ts, d.Src, d.Dst, err)
			return werr
		}
		if only != "" && p.PacketType().String() != only {
			return nil
		}
		_, werr := fmt.Fprintf(w, "%s %s -> %s %-12s seq=%d %+v\n", ts, d.Src, d.Dst, p.PacketType(), p.Sequence(), p)
		return werr
	})
	return sum, err
}
