// Command atpecho is a demo client/server exercising the full ATP stack
// end to end: STUN reflexive discovery, signalling rendezvous,
// hole-punching, and the reliable byte-stream connection itself.
//
// Server mode listens for connections and echoes back whatever it reads.
// Client mode connects to a server and echoes stdin to the connection,
// printing whatever comes back.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/atp-go/atp"
	"github.com/atp-go/atp/atperr"
	"github.com/atp-go/atp/atplog"
	"github.com/atp-go/atp/atpconfig"
)

func main() {
	var (
		mode       = flag.String("mode", "server", `"server" or "client"`)
		localHost  = flag.String("local-host", "localhost", "this peer's published ATP hostname")
		localSvc   = flag.String("local-service", "9000", "this peer's published ATP service/port label")
		peerHost   = flag.String("peer-host", "", "client mode: the server's published ATP hostname")
		peerSvc    = flag.String("peer-service", "", "client mode: the server's published ATP service/port label")
		stunServer = flag.String("stun-server", "stun.l.google.com:19302", "STUN server for reflexive-address discovery")
	)
	flag.Parse()

	logger := atplog.NewLogifaceLogger(slog.NewTextHandler(os.Stderr, nil))

	ctx, err := atp.NewContext(
		atpconfig.WithStunServers(*stunServer),
		atpconfig.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "atpecho: failed to start context:", err)
		os.Exit(1)
	}
	defer ctx.Shutdown()

	switch *mode {
	case "server":
		runServer(ctx, *localHost, *localSvc)
	case "client":
		if *peerHost == "" || *peerSvc == "" {
			fmt.Fprintln(os.Stderr, "atpecho: client mode requires -peer-host and -peer-service")
			os.Exit(2)
		}
		runClient(ctx, *localHost, *localSvc, *peerHost, *peerSvc)
	default:
		fmt.Fprintln(os.Stderr, "atpecho: unknown -mode", *mode)
		os.Exit(2)
	}
}

func runServer(ctx *atp.Context, host, service string) {
	h, err := ctx.Socket(atp.AF_INET, atp.SOCK_STREAM, atp.IPPROTO_ATP)
	must(err, "Socket")
	must(ctx.Bind(h, atp.NewAddr(host, service)), "Bind")
	must(ctx.Listen(h, 16), "Listen")

	addr, err := ctx.SignalAddr(h)
	must(err, "SignalAddr")
	fmt.Printf("atpecho: listening as %s (published as %s:%s), signalling reachable at %s\n", host, host, service, addr)

	for {
		childH, peer, err := acceptBlocking(ctx, h)
		if err != nil {
			fmt.Fprintln(os.Stderr, "atpecho: accept failed:", err)
			return
		}
		fmt.Printf("atpecho: accepted connection from %s\n", peer)
		go echo(ctx, childH)
	}
}

func acceptBlocking(ctx *atp.Context, h atp.Handle) (atp.Handle, atp.Addr, error) {
	for {
		childH, peer, err := ctx.Accept(h)
		if err == nil {
			return childH, peer, nil
		}
		if atperr.KindOf(err) == atperr.WOULDBLOCK {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		return 0, atp.Addr{}, err
	}
}

func echo(ctx *atp.Context, h atp.Handle) {
	conn, err := appConnBlocking(ctx, h)
	if err != nil {
		fmt.Fprintln(os.Stderr, "atpecho: child never established:", err)
		return
	}
	defer func() { _ = ctx.Close(h) }()
	if _, err := io.Copy(conn, conn); err != nil && err != io.EOF {
		fmt.Fprintln(os.Stderr, "atpecho: echo loop ended:", err)
	}
}

func runClient(ctx *atp.Context, localHost, localSvc, peerHost, peerSvc string) {
	h, err := ctx.Socket(atp.AF_INET, atp.SOCK_STREAM, atp.IPPROTO_ATP)
	must(err, "Socket")
	must(ctx.Bind(h, atp.NewAddr(localHost, localSvc)), "Bind")
	must(ctx.Connect(h, atp.NewAddr(peerHost, peerSvc)), "Connect")

	conn, err := appConnBlocking(ctx, h)
	must(err, "waiting for ESTABLISHED")
	defer func() { _ = ctx.Close(h) }()

	fmt.Println("atpecho: connected; type lines to echo, Ctrl-D to quit")
	go func() {
		_, _ = io.Copy(os.Stdout, conn)
	}()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if _, err := fmt.Fprintln(conn, scanner.Text()); err != nil {
			fmt.Fprintln(os.Stderr, "atpecho: write failed:", err)
			return
		}
	}
}

// appConnBlocking polls for AppConn to become available: the connection
// reaches ESTABLISHED asynchronously, off the caller's goroutine.
func appConnBlocking(ctx *atp.Context, h atp.Handle) (net.Conn, error) {
	for i := 0; i < 300; i++ {
		c, err := ctx.AppConn(h)
		if err == nil {
			return c, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("atpecho: timed out waiting for ESTABLISHED")
}

func must(err error, op string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "atpecho: %s: %v\n", op, err)
		os.Exit(1)
	}
}
