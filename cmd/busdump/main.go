// busdump connects to a D-Bus bus, performs the SASL handshake, issues
// Hello, registers a match rule, and logs every signal the bus forwards
// until interrupted. It exists to exercise the full stack end to end:
// address parsing, the SASL client side, the router, and the message
// generators, the way main.go exercises the collector/saver pipeline.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/wirebus/busmux/address"
	"github.com/wirebus/busmux/genmsg"
	"github.com/wirebus/busmux/metrics"
	"github.com/wirebus/busmux/router"
	"github.com/wirebus/busmux/sasl"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	busAddr   = flag.String("bus", "", "D-Bus server address to dial; defaults to $DBUS_SESSION_BUS_ADDRESS then the system bus")
	promPort  = flag.String("prom", ":9090", "Prometheus metrics export address and port")
	matchStr  = flag.String("match", "type='signal'", "match rule registered with the bus via AddMatch")
	helloWait = flag.Duration("hello-timeout", 5*time.Second, "how long to wait for the bus's Hello() reply")

	ctx, cancel = context.WithCancel(context.Background())
)

func resolveAddress() string {
	if *busAddr != "" {
		return *busAddr
	}
	if sess, ok := address.SessionBusAddress(); ok {
		return sess
	}
	return address.SystemBusAddress()
}

func dial(raw string) net.Conn {
	transports, err := address.Parse(raw)
	rtx.Must(err, "could not parse bus address %q", raw)
	var lastErr error
	for _, t := range transports {
		switch t.Kind {
		case "unix":
			if path, ok := t.Params["path"]; ok {
				conn, err := net.Dial("unix", path)
				if err == nil {
					return conn
				}
				lastErr = err
				continue
			}
			if abstract, ok := t.Params["abstract"]; ok {
				// Go represents the abstract namespace with a leading '@'.
				conn, err := net.Dial("unix", "@"+abstract)
				if err == nil {
					return conn
				}
				lastErr = err
				continue
			}
		case "tcp":
			host, port := t.Params["host"], t.Params["port"]
			conn, err := net.Dial("tcp", net.JoinHostPort(host, port))
			if err == nil {
				return conn
			}
			lastErr = err
		}
	}
	rtx.Must(lastErr, "could not connect to any transport in %q", raw)
	return nil
}

// handshake performs the client side of the SASL exchange described in
// sasl.go: a leading NUL, an AUTH EXTERNAL line, then BEGIN once the server
// replies OK.
func handshake(conn net.Conn) {
	_, err := conn.Write([]byte{sasl.NullByte})
	rtx.Must(err, "writing SASL leading NUL byte")
	line := sasl.External(os.Getuid()) + "\r\n"
	_, err = conn.Write([]byte(line))
	rtx.Must(err, "writing AUTH EXTERNAL line")

	p := sasl.NewParser()
	buf := make([]byte, 256)
	for !p.Terminal() {
		n, err := conn.Read(buf)
		rtx.Must(err, "reading SASL response")
		rtx.Must(p.Feed(buf[:n]), "SASL handshake protocol error")
	}
	if !p.Authenticated() {
		metrics.SASLOutcomeCounter.WithLabelValues("rejected").Inc()
		log.Fatalf("SASL handshake rejected: %s", p.Err())
	}
	metrics.SASLOutcomeCounter.WithLabelValues("authenticated").Inc()
	_, err = conn.Write([]byte(sasl.Begin))
	rtx.Must(err, "writing SASL BEGIN")
}

func readLoop(conn net.Conn, r *router.Router) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if feedErr := r.Feed(buf[:n]); feedErr != nil {
				log.Printf("fatal frame parse error, closing: %v", feedErr)
				r.Close()
				return
			}
		}
		if err != nil {
			r.Close()
			return
		}
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not get args from env")

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	raw := resolveAddress()
	conn := dial(raw)
	defer conn.Close()

	handshake(conn)

	r := router.New(conn, binary.LittleEndian)
	go readLoop(conn, r)

	rtx.Must(r.Hello(ctx, *helloWait), "Hello() failed")
	log.Printf("connected as %s", r.UniqueName())

	filter := r.Filter(router.MatchAll, 64)
	defer filter.Close()

	addMatch, err := genmsg.AddMatch(strings.TrimSpace(*matchStr))
	rtx.Must(err, "building AddMatch call")
	_, err = r.SendAndGetReply(ctx, addMatch, *helloWait)
	rtx.Must(err, "AddMatch call failed")

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case m, ok := <-filter.C():
			if !ok {
				return
			}
			fmt.Fprintf(out, "%s %s %s.%s %s %v\n",
				strconv.FormatUint(uint64(m.Header.Serial), 10),
				m.Header.Type, m.Header.Interface, m.Header.Member,
				m.Header.Path, m.Body)
			out.Flush()
		}
	}
}
