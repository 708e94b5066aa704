// Copyright 2016 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/metal-stack/dhcp4client/dhcp4"
	"github.com/metal-stack/dhcp4client/pcap"
)

var decodeCmd = &cobra.Command{
	Use:   "decode capture.pcap",
	Short: "Print the DHCP messages in a packet capture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		return decodeCapture(f, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}

// decodeCapture prints every DHCP message found in the pcap stream r.
// Packets that are not DHCP are reported and skipped.
func decodeCapture(r io.Reader, w io.Writer) error {
	pr, err := pcap.NewReader(r)
	if err != nil {
		return err
	}
	for i := 1; ; i++ {
		pkt, err := pr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}
		dg, err := pcap.IPv4Datagram(pr.LinkType, pkt)
		if err != nil {
			fmt.Fprintf(w, "#%d %s: %s\n\n", i, pkt.Timestamp.UTC().Format(timeFormat), err)
			continue
		}
		src, dst, payload, err := dhcp4.DecodeIPv4UDP(dg)
		if err != nil {
			fmt.Fprintf(w, "#%d %s: %s\n\n", i, pkt.Timestamp.UTC().Format(timeFormat), err)
			continue
		}
		fmt.Fprintf(w, "#%d %s %s -> %s\n", i, pkt.Timestamp.UTC().Format(timeFormat), src, dst)
		m, err := dhcp4.Decode(payload)
		if err != nil {
			fmt.Fprintf(w, "  %s\n\n", err)
			continue
		}
		fmt.Fprintln(w, m)
	}
}

const timeFormat = "2006-01-02T15:04:05.000000Z07:00"
