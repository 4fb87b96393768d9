// wsprobe dials a ws:// or wss:// URL and reports whether a websocket
// connection can be established, optionally sending a payload and
// printing whatever the server echoes back.
package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/getlantern/wsstream"
	"github.com/spf13/pflag"
)

var (
	dnsServer = pflag.String("dns", "", "resolve via this DNS server (host:port) instead of the system resolver")
	userAgent = pflag.String("user-agent", "wsprobe", "User-Agent for the upgrade request")
	insecure  = pflag.Bool("insecure", false, "skip TLS certificate verification")
	timeout   = pflag.Duration("timeout", 10*time.Second, "overall probe timeout")
	send      = pflag.String("send", "", "payload to write once open")
)

func main() {
	pflag.Parse()
	if pflag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <ws[s]://host[:port]/path>\n", os.Args[0])
		pflag.PrintDefaults()
		os.Exit(2)
	}
	url := pflag.Arg(0)

	var resolver wsstream.Resolver
	if *dnsServer != "" {
		resolver = wsstream.NewDNSResolver(*dnsServer)
	} else {
		resolver = wsstream.NewSystemResolver()
	}
	defer resolver.Close()

	loop := wsstream.NewLoop()
	defer loop.Close()

	conn := wsstream.NewConn(loop, &wsstream.ConnOpts{
		Resolver:  resolver,
		TLSConf:   &tls.Config{InsecureSkipVerify: *insecure},
		UserAgent: *userAgent,
	})
	defer conn.Close()

	connected := make(chan error, 1)
	conn.Connect(url, func(err error) {
		connected <- err
	})

	deadline := time.After(*timeout)
	select {
	case err := <-connected:
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect %s: %s\n", url, err)
			os.Exit(1)
		}
	case <-deadline:
		fmt.Fprintf(os.Stderr, "connect %s: timed out\n", url)
		os.Exit(1)
	}
	fmt.Printf("open %s\n", url)

	if *send == "" {
		return
	}

	done := make(chan error, 1)
	conn.Write([]byte(*send), func(n int, err error) {
		done <- err
	})
	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintf(os.Stderr, "write: %s\n", err)
			os.Exit(1)
		}
	case <-deadline:
		fmt.Fprintln(os.Stderr, "write: timed out")
		os.Exit(1)
	}

	buf := make([]byte, 4096)
	conn.Read(buf, func(n int, err error) {
		if err != nil {
			done <- err
			return
		}
		fmt.Printf("%s\n", buf[:n])
		done <- nil
	})
	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintf(os.Stderr, "read: %s\n", err)
			os.Exit(1)
		}
	case <-deadline:
		fmt.Fprintln(os.Stderr, "read: timed out")
		os.Exit(1)
	}
}
