// Command kadnode runs a standalone DHT node: it listens on a UDP port,
// optionally bootstraps off a list of known peers, and serves the
// ping/store/find_node/find_value/stun/punch/hole protocol until killed.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/module/kadnet"
)

func main() {
	var (
		host      = flag.String("host", "", "address to listen on (empty = all interfaces)")
		port      = flag.Uint("port", 33445, "UDP port to listen on")
		bootstrap = flag.String("bootstrap", "", "comma-separated host:port list of bootstrap nodes")
		k         = flag.Int("k", 20, "bucket size / replication width")
		alpha     = flag.Int("alpha", 3, "lookup parallelism")
		verbose   = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := kadnode.DefaultConfig()
	cfg.K = *k
	cfg.Alpha = *alpha

	server := kadnode.NewServer(cfg, nil, nil)

	if err := server.Listen(*host, uint16(*port)); err != nil {
		logrus.WithError(err).Fatal("failed to bind UDP socket")
	}

	logrus.WithFields(logrus.Fields{
		"id":   server.ID().String(),
		"port": *port,
	}).Info("kadnode started")

	if addrs := parseBootstrapList(*bootstrap); len(addrs) > 0 {
		live, err := server.Bootstrap(context.Background(), addrs)
		if err != nil {
			logrus.WithError(err).Warn("bootstrap failed")
		} else {
			logrus.WithField("live", len(live)).Info("bootstrap succeeded")
		}
	}

	waitForSignal()

	if err := server.Stop(); err != nil {
		logrus.WithError(err).Warn("error while stopping")
	}
}

func parseBootstrapList(raw string) []kadnode.Addr {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var addrs []kadnode.Addr
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			logrus.WithField("entry", entry).Warn("skipping malformed bootstrap address")
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			logrus.WithField("entry", entry).Warn("skipping bootstrap address with invalid port")
			continue
		}
		addrs = append(addrs, kadnode.Addr{Host: host, Port: uint16(port)})
	}
	return addrs
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println()
	logrus.Info("shutting down")
}
