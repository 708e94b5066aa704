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
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/metal-stack/dhcp4client/addrmgr"
	"github.com/metal-stack/dhcp4client/client"
	"github.com/metal-stack/dhcp4client/conn"
	"github.com/metal-stack/dhcp4client/dhcpclient"
	"github.com/metal-stack/dhcp4client/pcap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the client on an interface until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		log, err := newLogger()
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		defer log.Sync() //nolint:errcheck
		return runClient(log)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringP("interface", "i", "", "interface to configure")
	f.String("client-id", "", "client identifier as hex, defaults to the hardware address")
	f.String("request-address", "", "address to ask for")
	f.Bool("init-reboot", false, "reclaim --request-address without discovering servers first")
	f.Duration("lease-time", 0, "lease time to ask for")
	f.Bool("routers", true, "request routers")
	f.Bool("dns-servers", true, "request DNS servers")
	f.Bool("release-on-shutdown", false, "release the lease when stopped")
	f.Int("max-discover-retransmissions", client.DefaultRetransmitPolicy.MaxDiscoverRetransmissions, "DHCPDISCOVER retransmissions before starting over")
	f.Int("max-request-retransmissions", client.DefaultRetransmitPolicy.MaxRequestRetransmissions, "DHCPREQUEST retransmissions before starting over")
	f.String("metrics-addr", "", "serve /metrics and /debug/dhcp on this address")
	f.String("pcap", "", "write the DHCP traffic to this capture file")
}

// clientParams builds the client parameters from the configuration.
func clientParams() (dhcpclient.NewClientParams, error) {
	p := dhcpclient.NewClientParams{
		ConfigurationToRequest: dhcpclient.ConfigurationToRequest{
			Routers:    viper.GetBool("routers"),
			DNSServers: viper.GetBool("dns-servers"),
		},
		RequestIPAddress:   true,
		PreferredLeaseTime: viper.GetDuration("lease-time"),
		InitReboot:         viper.GetBool("init-reboot"),
		ReleaseOnShutdown:  viper.GetBool("release-on-shutdown"),
		Retransmit: &client.RetransmitPolicy{
			MaxDiscoverRetransmissions: viper.GetInt("max-discover-retransmissions"),
			MaxRequestRetransmissions:  viper.GetInt("max-request-retransmissions"),
		},
	}
	if s := viper.GetString("client-id"); s != "" {
		id, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
		if err != nil {
			return p, fmt.Errorf("invalid client-id %q: %w", s, err)
		}
		p.ClientIdentifier = id
	}
	if s := viper.GetString("request-address"); s != "" {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return p, fmt.Errorf("invalid request-address: %w", err)
		}
		p.RequestedAddress = a
	}
	return p, nil
}

func runClient(log *zap.SugaredLogger) (err error) {
	name := viper.GetString("interface")
	if name == "" {
		return errors.New("--interface is required")
	}
	params, err := clientParams()
	if err != nil {
		return err
	}

	link, err := conn.Open(name)
	if err != nil {
		return err
	}
	link.Log = log
	if path := viper.GetString("pcap"); path != "" {
		var (
			capture *conn.Capture
			f       *os.File
		)
		capture, f, err = openCapture(path, log)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, f.Close()) }()
		link.Capture = capture
	}
	addrs, err := addrmgr.New(name, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	provider := &dhcpclient.Provider{Log: log, Registerer: reg}
	c, err := provider.NewClient(dhcpclient.Interface{
		Name:          name,
		HardwareAddr:  link.HardwareAddr,
		PacketSockets: link,
		UDPSockets:    link,
		Addresses:     addrs,
	}, params)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if addr := viper.GetString("metrics-addr"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: debugHandler(reg, c), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Infow("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		c.Shutdown()
		return nil
	})
	g.Go(func() error { return watch(gctx, log, c) })

	log.Infow("starting dhcp client", "interface", name, "hardware_addr", link.HardwareAddr)
	return g.Wait()
}

func openCapture(path string, log *zap.SugaredLogger) (*conn.Capture, *os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	capture, err := conn.NewCapture(&pcap.Writer{Writer: f, LinkType: pcap.LinkRaw, SnapLen: 65535}, log)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return capture, f, nil
}

// watch logs configuration changes until the client exits.
func watch(ctx context.Context, log *zap.SugaredLogger, c *dhcpclient.Client) error {
	for {
		// The client observes shutdown itself so it can release the
		// lease, ctx only paces retries.
		cfg, err := c.WatchConfiguration(context.Background())
		var exit *dhcpclient.ExitError
		switch {
		case errors.As(err, &exit):
			if exit.Reason == client.GracefulShutdown {
				log.Infow("dhcp client stopped")
				return nil
			}
			return exit
		case err != nil:
			log.Warnw("dhcp client error, retrying", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		case cfg.Address != nil:
			log.Infow("acquired address",
				"address", cfg.Address.Prefix,
				"valid_until", cfg.Address.ValidLifetimeEnd,
				"routers", cfg.Routers,
				"dns_servers", cfg.DNSServers,
			)
		default:
			log.Infow("renewed lease", "routers", cfg.Routers, "dns_servers", cfg.DNSServers)
		}
	}
}

func debugHandler(reg *prometheus.Registry, c *dhcpclient.Client) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/debug/dhcp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(c.Inspect()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return mux
}
